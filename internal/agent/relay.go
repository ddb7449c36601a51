package agent

import (
	"context"
	"html/template"
	"net/http"

	slogctx "github.com/veqryn/slog-context"
)

// relayTmpl hands the authorization response over to the window that opened
// the popup. The message is only posted to the configured front end origin;
// the popup itself never finalises the login.
var relayTmpl = template.Must(template.New("relay").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Signing in…</title></head>
<body>
<p>Completing sign in. You can close this window.</p>
<script>
	var message = {{.Message}};
	var target = {{.TargetOrigin}};
	if (window.opener) {
		window.opener.postMessage(message, target);
		window.close();
	}
</script>
</body>
</html>
`))

var errorTmpl = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Detail}}</p>
</body>
</html>
`))

func (s *Server) renderRelay(ctx context.Context, w http.ResponseWriter, msg callbackMessage) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	err := relayTmpl.Execute(w, struct {
		Message      callbackMessage
		TargetOrigin string
	}{Message: msg, TargetOrigin: s.frontendOrigin})
	if err != nil {
		slogctx.Error(ctx, "Failed to render the relay page", "error", err)
	}
}

func renderErrorPage(w http.ResponseWriter, title, detail string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	_ = errorTmpl.Execute(w, struct{ Title, Detail string }{Title: title, Detail: detail})
}
