package provider

// NewVerifiersFromEnv builds the verifier set for all integrated providers
// with secrets resolved from the environment.
func NewVerifiersFromEnv() map[Provider]Verifier {
	return map[Provider]Verifier{
		ProviderStripe:  NewStripeVerifierFromEnv(),
		ProviderPayPal:  NewPayPalVerifierFromEnv(),
		ProviderPatreon: NewPatreonVerifierFromEnv(),
	}
}
