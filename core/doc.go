// Package core contains the canonical integration runtime contracts:
// entities, resource mappings, inbound events, handlers, the catalog and
// parser collaborators, the error taxonomy and runtime configuration.
// Runtime packages (execution, webhooks, reconcile, ...) depend on core;
// core must not depend on them.
package core
