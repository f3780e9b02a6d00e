package app

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"entitlementd/internal/session"
)

// browserLogin hands the user off to the external sign-in page. The page
// later posts the issued token to /api/auth/login/complete.
type browserLogin struct {
	base   *url.URL
	device session.Device
}

func newBrowserLogin(loginURL string, device session.Device) (*browserLogin, error) {
	u, err := url.Parse(loginURL)
	if err != nil {
		return nil, fmt.Errorf("parse login url: %w", err)
	}
	return &browserLogin{base: u, device: device}, nil
}

// StartLogin returns the sign-in URL with a fresh state nonce and the device id
func (b *browserLogin) StartLogin(ctx context.Context) (string, error) {
	u := *b.base
	q := u.Query()
	q.Set("state", uuid.NewString())
	q.Set("device", b.device.MachineID())
	u.RawQuery = q.Encode()
	return u.String(), nil
}
