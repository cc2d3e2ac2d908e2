// Licensed to Andrew Kroh under one or more agreements.
// Andrew Kroh licenses this file to you under the Apache 2.0 License.
// See the LICENSE file in the project root for more information.

package handler

import (
	"context"
	"sync"

	"github.com/andrewkroh/github-signin/internal/authservice"
	"github.com/andrewkroh/github-signin/internal/signin"
)

var (
	_ signin.Alerter          = (*Surface)(nil)
	_ authservice.PopupOpener = (*Surface)(nil)
)

// Surface is the browser-facing side of the control. It queues alerts and
// popup requests until the page picks them up through /state.
type Surface struct {
	mu       sync.Mutex
	alert    string
	popupURL string
}

// NewSurface returns an empty Surface.
func NewSurface() *Surface {
	return &Surface{}
}

// Alert queues msg for the page. A newer message replaces an undelivered
// one.
func (s *Surface) Alert(_ context.Context, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alert = msg
}

// OpenPopup asks the page to point its popup window at popupURL.
func (s *Surface) OpenPopup(_ context.Context, popupURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.popupURL = popupURL
	return nil
}

// take returns and clears the queued alert and popup URL.
func (s *Surface) take() (alert, popupURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, popupURL = s.alert, s.popupURL
	s.alert, s.popupURL = "", ""
	return alert, popupURL
}
