package config

// DefaultDenylistDomains returns domains whose pages are never tracked.
// Subdomains match too, so "chase.com" also excludes "secure.chase.com".
func DefaultDenylistDomains() []string {
	return []string{
		// Banking & payments
		"chase.com",
		"bankofamerica.com",
		"wellsfargo.com",
		"citi.com",
		"capitalone.com",
		"schwab.com",
		"fidelity.com",
		"vanguard.com",
		"paypal.com",
		"venmo.com",

		// Password managers
		"1password.com",
		"lastpass.com",
		"bitwarden.com",
		"dashlane.com",

		// Sign-in pages
		"accounts.google.com",
		"login.microsoftonline.com",
		"login.live.com",
		"okta.com",
		"auth0.com",

		// Healthcare
		"mychart.com",
		"kp.org",
		"healthcare.gov",

		// Government & tax
		"irs.gov",
		"ssa.gov",
		"login.gov",
		"id.me",
	}
}
