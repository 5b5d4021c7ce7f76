// Package notifier tells users about newly materialized recurring tasks.
//
// A single call to NotifyCreated fans out over three channels:
//
//   - inapp: one stored notification per (recipient, task)
//   - email: one digest per recipient listing every created task
//   - push:  one summary per recipient, delivered to their Telegram chats
//
// Recipients are the template's assignees plus its reporter. Each user's
// preferences decide which channels reach them; a user without stored
// preferences gets in-app and push but no email.
//
// # Isolation
//
// Channels never affect each other. A failing channel is logged, published
// on the event bus and reported in its Outcome; the remaining channels
// still run. NotifyCreated itself never returns an error.
//
// # Throttling
//
// Each channel owns a token bucket limiter (golang.org/x/time/rate) that
// is waited on before every outbound message.
package notifier
