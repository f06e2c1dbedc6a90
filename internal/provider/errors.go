package provider

import "errors"

var ErrNotConfigured = errors.New("provider not configured")
