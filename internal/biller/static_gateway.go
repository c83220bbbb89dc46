package biller

import (
	"context"

	"github.com/google/uuid"
)

// StaticGateway simulates an always-approving biller connector. Used in
// development deployments and tests.
type StaticGateway struct{}

// ValidateCustomer approves any customer reference with a synthetic name.
func (StaticGateway) ValidateCustomer(_ context.Context, _, customerRef string) (CustomerInfo, error) {
	return CustomerInfo{CustomerRef: customerRef, Name: "Test Customer"}, nil
}

// SubmitPayment approves the payment with a synthetic external reference.
func (StaticGateway) SubmitPayment(_ context.Context, _, _ string, _ int64, _ string) (SubmissionResult, error) {
	return SubmissionResult{ExternalRef: uuid.NewString(), Status: "success", Message: "approved"}, nil
}

// PaymentStatus reports success for any reference.
func (StaticGateway) PaymentStatus(_ context.Context, _, _ string) (SubmissionResult, error) {
	return SubmissionResult{ExternalRef: uuid.NewString(), Status: "success"}, nil
}
