//go:build integration

package integration

import (
	"fmt"
	"time"
)

const (
	testPassword   = "Correct-Horse-42!"
	testBcryptCost = 4
	testJWTSecret  = "integration-secret-0123456789abcdef"
)

// TestUsername generates a unique username using the current time
func TestUsername(suffix string) string {
	return fmt.Sprintf("it-%d-%s", time.Now().UnixNano(), suffix)
}

func int64Ptr(v int64) *int64 { return &v }

// hrCatalog defines the HR module used by the end-to-end scenarios.
const hrCatalog = `
permissions:
  - {code: "hr:employee:read", category: hr}
  - {code: "hr:employee:update", category: hr}
  - {code: "system:user:manage", category: administration}
  - {code: "system:audit:read", category: audit}
roles:
  - code: hr_viewer
    name: HR viewer
    level: 10
    module: hr
    permissions: ["hr:employee:read"]
  - code: hr_editor
    name: HR editor
    level: 20
    module: hr
    permissions: ["hr:employee:read", "hr:employee:update"]
  - code: user_admin
    name: User administrator
    level: 50
    permissions: ["system:user:manage"]
  - code: super_admin
    name: Super administrator
    level: 100
`
