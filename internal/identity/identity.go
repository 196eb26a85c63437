// Package identity resolves who is acting on the ledger.
//
// It provides:
//   - Registry: actor → roles lookup (static, PostgreSQL, cached)
//   - TokenVerifier: verifies HS256 bearer tokens issued by the session collaborator
//   - ResolvePrincipal: Gin middleware injecting the resolved (actor, role claims) pair
//
// Credential issuance is not handled here.
package identity
