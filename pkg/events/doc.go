// Package events provides an in-memory broker for Bay lifecycle events.
//
// Managers publish sandbox, session, cargo, and GC events through a single
// Broker; subscribers receive them on buffered channels. Publishing never
// blocks: a subscriber that falls behind misses events rather than stalling
// the lifecycle path.
package events
