// Package scheduler registers cron and interval triggers and enqueues their
// jobs into the task engine. It never runs jobs itself: the queue drain,
// batch sweep and journal prune all execute on engine workers so overlap
// and timeouts are enforced in one place.
package scheduler
