package util

// FakeTenantID is the tenant used when multitenancy is disabled.
const FakeTenantID = "single-tenant"

func PrefixConfig(prefix string, option string) string {
	if len(prefix) > 0 {
		return prefix + "." + option
	}

	return option
}
