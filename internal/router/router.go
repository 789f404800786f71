// ABOUTME: pure intent-to-dispatch-descriptor table
// ABOUTME: unknown intents fall to the built-in general_info route

package router

import (
	"fmt"
	"slices"
	"time"

	"github.com/careline/orchestrator/internal/intent"
)

// Task types understood by the worker agents.
const (
	TaskAppointment       = "appointment"
	TaskGeneralInfo       = "general_info"
	TaskInfoDissemination = "info_dissemination"
)

// Descriptor tells the bus client where and how to dispatch one task.
// Intent is the route's own intent; for an unknown intent it names the
// fallback route, not the requested one.
type Descriptor struct {
	Intent        string
	TaskType      string
	RequestTopic  string
	ResponseTopic string
	Placeholder   string
	SoftDeadline  time.Duration
	HardDeadline  time.Duration
}

// Route is one table row. A row may claim several intents; they share
// the agent, topics, and deadlines.
type Route struct {
	Intents       []string
	TaskType      string
	RequestTopic  string
	ResponseTopic string
	Placeholder   string
	SoftDeadline  time.Duration
	HardDeadline  time.Duration
}

// Defaults is the built-in table used when configuration supplies no
// routes.
func Defaults() []Route {
	return []Route{
		{
			Intents:       []string{intent.IntentAppointmentBooking, intent.IntentAppointmentModify},
			TaskType:      TaskAppointment,
			RequestTopic:  "appointment-agent-requests",
			ResponseTopic: "appointment-agent-responses",
			Placeholder:   "I'm checking available appointment slots for you...",
			SoftDeadline:  10 * time.Second,
			HardDeadline:  30 * time.Second,
		},
		{
			Intents:       []string{intent.IntentGeneralInfo},
			TaskType:      TaskGeneralInfo,
			RequestTopic:  "general-info-requests",
			ResponseTopic: "general-info-responses",
			Placeholder:   "Let me look that up for you...",
			SoftDeadline:  5 * time.Second,
			HardDeadline:  15 * time.Second,
		},
		{
			Intents:       []string{intent.IntentPostDischarge, intent.IntentPreAdmission},
			TaskType:      TaskInfoDissemination,
			RequestTopic:  "info-dissemination-requests",
			ResponseTopic: "info-dissemination-responses",
			Placeholder:   "Let me pull up your care instructions...",
			SoftDeadline:  8 * time.Second,
			HardDeadline:  25 * time.Second,
		},
	}
}

// Router resolves intents to dispatch descriptors. It is pure: no I/O,
// immutable after construction.
type Router struct {
	routes   map[string]Descriptor
	fallback Descriptor
}

// New builds the table. An empty route list means Defaults(). The table
// must route general_info, because every unknown intent lands there.
func New(routes []Route) (*Router, error) {
	if len(routes) == 0 {
		routes = Defaults()
	}

	table := make(map[string]Descriptor)
	for i, rt := range routes {
		if rt.TaskType == "" {
			return nil, fmt.Errorf("router: route %d: task type required", i)
		}
		if rt.RequestTopic == "" || rt.ResponseTopic == "" {
			return nil, fmt.Errorf("router: route %d (%s): request and response topics required", i, rt.TaskType)
		}
		if rt.HardDeadline <= 0 {
			return nil, fmt.Errorf("router: route %d (%s): hard deadline required", i, rt.TaskType)
		}
		if rt.SoftDeadline <= 0 {
			rt.SoftDeadline = rt.HardDeadline / 3
		}
		if rt.SoftDeadline >= rt.HardDeadline {
			return nil, fmt.Errorf("router: route %d (%s): soft deadline %s must be below hard deadline %s",
				i, rt.TaskType, rt.SoftDeadline, rt.HardDeadline)
		}
		if rt.Placeholder == "" {
			rt.Placeholder = "Working on your request..."
		}
		if len(rt.Intents) == 0 {
			return nil, fmt.Errorf("router: route %d (%s): claims no intents", i, rt.TaskType)
		}

		for _, name := range rt.Intents {
			if !intent.Valid(name) {
				return nil, fmt.Errorf("router: route %d (%s): unknown intent %q", i, rt.TaskType, name)
			}
			if _, dup := table[name]; dup {
				return nil, fmt.Errorf("router: intent %q claimed twice", name)
			}
			table[name] = Descriptor{
				Intent:        name,
				TaskType:      rt.TaskType,
				RequestTopic:  rt.RequestTopic,
				ResponseTopic: rt.ResponseTopic,
				Placeholder:   rt.Placeholder,
				SoftDeadline:  rt.SoftDeadline,
				HardDeadline:  rt.HardDeadline,
			}
		}
	}

	fallback, ok := table[intent.IntentGeneralInfo]
	if !ok {
		return nil, fmt.Errorf("router: table must route %s", intent.IntentGeneralInfo)
	}

	return &Router{routes: table, fallback: fallback}, nil
}

// Resolve returns the descriptor for the intent, or the general_info
// fallback when the intent has no route.
func (r *Router) Resolve(name string) Descriptor {
	if d, ok := r.routes[name]; ok {
		return d
	}
	return r.fallback
}

// ResponseTopics returns the distinct response topics of the table,
// sorted. The bus consumer subscribes to each.
func (r *Router) ResponseTopics() []string {
	seen := make(map[string]struct{})
	var topics []string
	for _, d := range r.routes {
		if _, ok := seen[d.ResponseTopic]; ok {
			continue
		}
		seen[d.ResponseTopic] = struct{}{}
		topics = append(topics, d.ResponseTopic)
	}
	slices.Sort(topics)
	return topics
}
