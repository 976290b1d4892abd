package services

import (
	"context"
	"regexp"

	appErr "github.com/siteforge/engine/pkg/errors"
)

// PaymentVerifier confirms an external payment reference before a project may
// start. Capturing funds is the payment processor's job, not ours.
type PaymentVerifier interface {
	Verify(ctx context.Context, reference string) error
}

var paymentRefPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]{3,128}$`)

// TrustedPaymentVerifier accepts any well-formed reference. It stands in for
// the processor's confirmation callback.
type TrustedPaymentVerifier struct{}

func (TrustedPaymentVerifier) Verify(_ context.Context, reference string) error {
	if reference == "" {
		return appErr.New(appErr.CodeInvalid, "payment reference is required")
	}
	if !paymentRefPattern.MatchString(reference) {
		return appErr.New(appErr.CodeInvalid, "malformed payment reference")
	}
	return nil
}
