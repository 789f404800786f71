// Package router maps intents to dispatch descriptors: which agent
// topic gets the task, what placeholder the user sees meanwhile, and
// the soft/hard deadlines the correlation sweeper enforces. The table
// is pure configuration; unknown intents resolve to the general_info
// route.
package router
