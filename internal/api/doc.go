// Package api exposes the REST surface for planning, running, and settling
// workflows, plus the read-only agent catalog and the metrics endpoint.
package api
