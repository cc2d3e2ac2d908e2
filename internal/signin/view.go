// Licensed to Andrew Kroh under one or more agreements.
// Andrew Kroh licenses this file to you under the Apache 2.0 License.
// See the LICENSE file in the project root for more information.

package signin

import (
	"html/template"
	"io"
)

// ViewKind identifies which of the three views is shown.
type ViewKind int

const (
	ViewSignedOut ViewKind = iota
	ViewSigningIn
	ViewSignedIn
)

func (k ViewKind) String() string {
	switch k {
	case ViewSignedOut:
		return "signed_out"
	case ViewSigningIn:
		return "signing_in"
	case ViewSignedIn:
		return "signed_in"
	default:
		return "unknown"
	}
}

// View is the rendered form of a UIState.
type View struct {
	Kind ViewKind

	// AvatarURL is the session photo URL in the signed-in view. It may be
	// empty.
	AvatarURL string

	// Login is the signed-in user's login, used as alt text.
	Login string

	// Label is the text on the primary button.
	Label string

	// Disabled reports whether the sign-in button is disabled.
	Disabled bool

	// Spinner reports whether the sign-in button shows a spinner.
	Spinner bool
}

// Render maps state to a view. It has no side effects.
func Render(s UIState) View {
	switch {
	case s.User != nil:
		return View{
			Kind:      ViewSignedIn,
			AvatarURL: s.User.PhotoURL,
			Login:     s.User.Login,
			Label:     "Sign out",
		}
	case s.Loading:
		return View{
			Kind:     ViewSigningIn,
			Label:    "Signing in...",
			Disabled: true,
			Spinner:  true,
		}
	default:
		return View{
			Kind:  ViewSignedOut,
			Label: "Sign in with GitHub",
		}
	}
}

// Actions holds the form targets used by WriteHTML.
type Actions struct {
	SignIn  string
	SignOut string
}

// DefaultActions are the form targets served by the HTTP host.
var DefaultActions = Actions{SignIn: "/signin", SignOut: "/signout"}

var viewTemplate = template.Must(template.New("signin").Parse(`
{{- define "spinner" -}}
<svg class="signin-spinner" width="16" height="16" xmlns="http://www.w3.org/2000/svg" fill="none" viewBox="0 0 24 24"><circle opacity="0.25" cx="12" cy="12" r="10" stroke="currentColor" stroke-width="4"></circle><path opacity="0.75" fill="currentColor" d="M4 12a8 8 0 018-8V0C5.373 0 0 5.373 0 12h4zm2 5.291A7.962 7.962 0 014 12H0c0 3.042 1.135 5.824 3 7.938l3-2.647z"></path></svg>
{{- end -}}
{{- define "github" -}}
<svg height="22" width="22" viewBox="0 0 16 16" fill="currentColor" aria-hidden="true"><path d="M8 0C3.58 0 0 3.58 0 8c0 3.54 2.29 6.53 5.47 7.59.4.07.55-.17.55-.38 0-.19-.01-.82-.01-1.49-2.01.37-2.53-.49-2.69-.94-.09-.23-.48-.94-.82-1.13-.28-.15-.68-.52-.01-.53.63-.01 1.08.58 1.23.82.72 1.21 1.87.87 2.33.66.07-.52.28-.87.51-1.07-1.78-.2-3.64-.89-3.64-3.95 0-.87.31-1.59.82-2.15-.08-.2-.36-1.02.08-2.12 0 0 .67-.21 2.2.82a7.65 7.65 0 0 1 2-.27c.68 0 1.36.09 2 .27 1.53-1.04 2.2-.82 2.2-.82.44 1.1.16 1.92.08 2.12.51.56.82 1.27.82 2.15 0 3.07-1.87 3.75-3.65 3.95.29.25.54.73.54 1.48 0 1.07-.01 1.93-.01 2.2 0 .21.15.46.55.38A8.013 8.013 0 0 0 16 8c0-4.42-3.58-8-8-8z"/></svg>
{{- end -}}
{{- define "signout" -}}
<svg height="20" width="20" viewBox="0 0 24 24" fill="none" stroke="currentColor" stroke-width="2" stroke-linecap="round" stroke-linejoin="round"><path d="M9 21H5a2 2 0 0 1-2-2V5a2 2 0 0 1 2-2h4"/><polyline points="16 17 21 12 16 7"/><line x1="21" y1="12" x2="9" y2="12"/></svg>
{{- end -}}
<div class="signin" data-view="{{.View.Kind}}">
{{- if eq .View.Kind.String "signed_in"}}
<img class="signin-avatar" src="{{.View.AvatarURL}}" alt="{{with .View.Login}}{{.}}{{else}}avatar{{end}}" width="48">
<form method="post" action="{{.Actions.SignOut}}"><button type="submit" class="signin-signout">{{template "signout"}} {{.View.Label}}</button></form>
{{- else}}
<form method="post" action="{{.Actions.SignIn}}"><button type="submit" class="signin-button"{{if .View.Disabled}} disabled{{end}}>{{if .View.Spinner}}{{template "spinner"}}{{else}}{{template "github"}}{{end}} <span>{{.View.Label}}</span></button></form>
{{- end}}
</div>
`))

// WriteHTML renders v as an HTML fragment posting to the given actions.
func WriteHTML(w io.Writer, v View, actions Actions) error {
	return viewTemplate.Execute(w, struct {
		View    View
		Actions Actions
	}{v, actions})
}
