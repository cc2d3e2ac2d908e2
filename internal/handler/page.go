// Licensed to Andrew Kroh under one or more agreements.
// Andrew Kroh licenses this file to you under the Apache 2.0 License.
// See the LICENSE file in the project root for more information.

package handler

import (
	"html/template"
	"io"
	"strings"

	"github.com/andrewkroh/github-signin/internal/signin"
)

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Sign in with GitHub</title>
<style>
.signin { display: flex; align-items: center; gap: 12px; font-family: sans-serif; }
.signin-avatar { border-radius: 50%; }
.signin-button, .signin-signout { display: inline-flex; align-items: center; gap: 8px; padding: 8px 16px; border: 0; border-radius: 6px; background: #24292f; color: #fff; cursor: pointer; }
.signin-button[disabled] { opacity: 0.6; cursor: default; }
.signin-spinner { animation: spin 1s linear infinite; }
@keyframes spin { to { transform: rotate(360deg); } }
</style>
</head>
<body>
<div id="control">{{.Control}}</div>
<script>
(function () {
  var control = document.getElementById("control");
  var popup = null;
  var popupState = null;
  var pendingAlert = {{.Alert}};

  function abort(state, code) {
    return fetch("/auth/popup/abort", {
      method: "POST",
      body: new URLSearchParams({ state: state, code: code })
    });
  }

  function openPopup(url) {
    popupState = new URL(url, window.location.href).searchParams.get("state");
    if (!popup || popup.closed) {
      popup = window.open(url, "github-signin", "width=600,height=700");
    } else {
      popup.location = url;
    }
    if (!popup) {
      abort(popupState, "auth/popup-blocked");
      popupState = null;
    }
  }

  function apply(s) {
    control.innerHTML = s.html;
    if (s.popup_url) {
      openPopup(s.popup_url);
    }
    if (s.loading && popupState && popup && popup.closed) {
      abort(popupState, "auth/popup-closed-by-user");
      popupState = null;
    }
    if (!s.loading) {
      popupState = null;
    }
    if (s.alert) {
      window.alert(s.alert);
    }
  }

  function poll() {
    fetch("/state", { cache: "no-store" })
      .then(function (r) { return r.json(); })
      .then(apply)
      .catch(function () {})
      .finally(function () { setTimeout(poll, 500); });
  }

  control.addEventListener("submit", function (ev) {
    var form = ev.target;
    if (form.getAttribute("action") !== "{{.Actions.SignIn}}") {
      return;
    }
    ev.preventDefault();
    // Opened inside the click so the browser does not block it.
    popup = window.open("", "github-signin", "width=600,height=700");
    fetch(form.action, { method: "POST" });
  });

  {{- with .PopupURL}}
  openPopup({{.}});
  {{- end}}
  if (pendingAlert) {
    window.alert(pendingAlert);
  }
  poll();
})();
</script>
</body>
</html>
`))

type pageData struct {
	Control  template.HTML
	Actions  signin.Actions
	Alert    string
	PopupURL string
}

// writePage renders the full page around the control's HTML fragment.
func writePage(w io.Writer, view signin.View, alert, popupURL string) error {
	var fragment strings.Builder
	if err := signin.WriteHTML(&fragment, view, signin.DefaultActions); err != nil {
		return err
	}

	return pageTemplate.Execute(w, pageData{
		// Produced by the control's own html/template.
		Control:  template.HTML(fragment.String()),
		Actions:  signin.DefaultActions,
		Alert:    alert,
		PopupURL: popupURL,
	})
}
