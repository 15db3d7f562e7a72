package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// PaymentSignature computes the hex HMAC-SHA256 the gateway hands to the
// client after checkout: HMAC(secret, intentID + "|" + paymentID).
func PaymentSignature(secret []byte, gatewayOrderID, gatewayPaymentID string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(gatewayOrderID + "|" + gatewayPaymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyPaymentSignature recomputes the expected signature and compares it in
// constant time against the client-submitted one.
func VerifyPaymentSignature(secret []byte, gatewayOrderID, gatewayPaymentID, submitted string) bool {
	expected := PaymentSignature(secret, gatewayOrderID, gatewayPaymentID)
	return hmac.Equal([]byte(expected), []byte(submitted))
}

// VerifyWebhookSignature authenticates a webhook delivery: the header must be
// the hex HMAC-SHA256 of the raw request body under the webhook secret. The
// webhook secret is distinct from the payment-signature secret.
func VerifyWebhookSignature(secret, body []byte, header string) bool {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header))
}
