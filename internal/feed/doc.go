// Package feed defines the domain-agnostic record envelope shared by every
// component: a Record carries an opaque payload plus the identity and
// timestamp fields the synchronization layer orders and deduplicates by.
package feed
