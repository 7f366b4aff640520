// Package domain defines the core business types of the asset gateway.
//
// This package contains pure domain types with ZERO external dependencies outside
// the Go standard library: allowlist entries, access decisions, the access policy
// enum and the error taxonomy shared by every layer.
//
// Other packages (storage, authz, governance, gateway) depend on these types. The
// dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
