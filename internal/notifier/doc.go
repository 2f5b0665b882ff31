// Package notifier delivers operator-facing messages asynchronously.
//
// Callers hand a kit.Notification to Notify and return immediately. The
// service shards notifications by chat so that messages to the same chat
// are delivered in the order they were queued, while different chats are
// served concurrently. All workers share one token bucket, and failed sends
// are retried with exponential backoff or with the wait the transport asked
// for when it reports flood control.
//
// The broadcast console uses it for progress updates and final reports so
// that a slow Telegram round trip never stalls the dispatcher.
package notifier
