// Package decision holds questions the core cannot answer on its own and
// must put to a human arbiter.
//
// A [Decision] has a level. Auto and notify decisions resolve immediately
// with their default option; approval and critical decisions stay pending
// until [Book.Resolve] is called or their deadline passes, in which case
// [Book.Expire] resolves them with the default option.
//
// # Usage
//
//	book, err := decision.Open(stateDir, decision.WithBus(bus))
//
//	d, err := book.Create(decision.Request{
//	    Level:          decision.LevelApproval,
//	    Title:          "Roll business_analyst back to in_progress?",
//	    RequestingRole: "business_analyst",
//	    Options: []decision.Option{
//	        {ID: "approve", Label: "Roll back", Event: "rollback_approved"},
//	        {ID: "reject", Label: "Keep completed"},
//	    },
//	    DefaultOption: "reject",
//	})
//
//	// Later, the arbiter answers
//	res, err := book.Resolve(d.ID, "approve")
//
// # Persistence
//
// Every mutation rewrites {stateDir}/decisions.json atomically under the
// state directory lock, so "troupe decisions" can read it while the core runs.
//
// # Thread Safety
//
// All methods on [Book] are safe for concurrent use. Events are published
// after the internal mutex is released.
package decision
