// Package services provides the centralized service registry for librarian.
//
// Registry pattern for accessing all core services (catalog, engine,
// evidence ledger, store, evolution, learner, scheduler). Use Build() to
// wire the whole graph from config, or NewRegistry() with an Options struct
// when assembling services by hand (tests, embedders). Shutdown() releases
// resources in reverse dependency order.
package services
