// creditctl is the operator CLI for the credits service: schema migration,
// balance inspection, bonus grants, and manual reconciliation runs.
package main

func main() {
	Execute()
}
