package httpapi

import "html/template"

// The callback pages are intentionally plain: they are seen once per
// authorization, in whatever browser the redirect landed in.

var successTemplate = template.Must(template.New("success").Parse(`<!DOCTYPE html>
<html>
<head><title>Account Connected</title></head>
<body style="font-family: sans-serif; max-width: 40em; margin: 4em auto;">
  <h1>&#10003; Account connected</h1>
  <p>Authorization completed for <strong>{{.TenantName}}</strong>.
  The access token is stored and will be refreshed automatically.</p>
  {{if .APIKey}}
  <p>Your API key is shown only this once, store it now:</p>
  <pre style="background:#f4f4f4; padding:1em;">{{.APIKey}}</pre>
  <p>Pass it in the <code>X-API-Key</code> header on MCP connections.</p>
  {{end}}
  <p>You can close this window.</p>
</body>
</html>
`))

var errorTemplate = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head><title>Authorization Failed</title></head>
<body style="font-family: sans-serif; max-width: 40em; margin: 4em auto;">
  <h1>&#10007; Authorization failed</h1>
  <p>{{.Message}}</p>
  <p>Start over from the <code>/authorize</code> endpoint.</p>
</body>
</html>
`))

type successPage struct {
	TenantName string
	APIKey     string
}

type errorPage struct {
	Message string
}
