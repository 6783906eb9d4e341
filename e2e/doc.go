// Package e2e starts raftnode containers with testcontainers and drives them through the HTTP
// API. Run with: go test -tags e2e ./e2e/
package e2e
