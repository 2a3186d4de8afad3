// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("Cross-Device Sync Engine")
	fmt.Println("========================")
	fmt.Println()
	fmt.Println("Keeps application state consistent across the devices of one account,")
	fmt.Println("detects when two devices modified the same record independently, and")
	fmt.Println("resolves the divergence with explicit policies.")
	fmt.Println()

	fmt.Println("Packages:")
	fmt.Println()
	fmt.Println("  devsqlite/  Device-side engine: durable SQLite sync queue with")
	fmt.Println("              prioritized dispatch, conflict detection/resolution,")
	fmt.Println("              device identity, presence tracking and an event bus.")
	fmt.Println()
	fmt.Println("  devsync/    Shared wire models and the reference remote store")
	fmt.Println("              (PostgreSQL): row CRUD, ordered change feed, device,")
	fmt.Println("              presence and session bookkeeping behind JWT auth.")
	fmt.Println()
	fmt.Println("  cmd/syncstored/  Store daemon.")
	fmt.Println("              Run: SYNCSTORED_DATABASE_URL=... SYNCSTORED_JWT_SECRET=... \\")
	fmt.Println("                   go run ./cmd/syncstored")
	fmt.Println()
}
