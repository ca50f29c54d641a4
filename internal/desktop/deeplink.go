package desktop

import (
	"net/url"
	"strings"

	"tsxstudio/internal/pkg/errors"
)

// DefaultScheme is the protocol the desktop app registers.
const DefaultScheme = "tsx-studio"

// ParseDeepLink extracts the token from scheme://auth/callback?token=...
func ParseDeepLink(raw, scheme string) (string, error) {
	if scheme == "" {
		scheme = DefaultScheme
	}
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", errors.WrapWithCode(err, errors.CodeBadRequest, "desktop.deeplink", "malformed deep link")
	}
	if !strings.EqualFold(u.Scheme, scheme) {
		return "", errors.Newf(errors.CodeBadRequest, "unexpected scheme %q", u.Scheme)
	}
	if u.Host != "auth" || strings.TrimRight(u.Path, "/") != "/callback" {
		return "", errors.Newf(errors.CodeBadRequest, "unexpected deep link target %s%s", u.Host, u.Path)
	}
	token := strings.TrimSpace(u.Query().Get("token"))
	if token == "" {
		return "", errors.New(errors.CodeBadRequest, "deep link carries no token")
	}
	return token, nil
}
