// Package resolver maps requested specifications to fully qualified ones and
// fully qualified specifications to distribution targets.
//
// Spec resolvers may perform I/O (reference data lookups). Distribution
// resolvers are pure functions of their input and may be wrapped in a
// CachingResolver.
package resolver
