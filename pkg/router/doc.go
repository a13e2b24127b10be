// Package router maps capability calls onto the container serving them:
// explicit primary_for claims win, then profile order. The session is
// arranged under the sandbox lock; the runtime invocation itself runs
// lock-free.
package router
