// Package ingest is the producer side of the hub. External systems (chat
// bridges, schedulers, other hubs) push tasks, inbox messages and channel
// messages here; agents only ever see them through their poll triggers.
//
// Deliveries can be signed with an HMAC-SHA256 of the raw body, sent as
// "sha256=<hex>" (or bare hex) in the X-Swarmhub-Signature header. Retried
// deliveries are recognised by an explicit dedupe_key, or failing that by a
// fingerprint of route and body, and answered without a second write.
package ingest
