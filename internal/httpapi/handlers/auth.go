package handlers

import (
	"net/http"
	"net/url"

	"tsxstudio/internal/httpkit"
	"tsxstudio/internal/pkg/errors"
	"tsxstudio/internal/pkg/middleware"
)

// DesktopToken issues a long-lived token for the desktop app and the deep
// link that hands it over.
func (h *Handler) DesktopToken(w http.ResponseWriter, r *http.Request) error {
	userID, err := middleware.UserID(r)
	if err != nil {
		return err
	}
	token, err := h.tokens.Issue(userID)
	if err != nil {
		return errors.Wrap(err, "api.auth.desktop", "failed to issue token")
	}
	link := h.deepLinkScheme + "://auth/callback?token=" + url.QueryEscape(token)
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"token": token, "deepLink": link})
	return nil
}
