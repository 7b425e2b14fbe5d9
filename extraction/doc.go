// Package extraction drives a language model to produce one structured
// result through a single forced tool call.
//
// Run sends the conversation with exactly one declared tool and loops until
// the model calls it with arguments that pass validation, up to a bounded
// number of iterations. Invalid arguments and text-only replies are
// answered with a corrective instruction listing what was wrong. A timeout
// or transport error aborts the loop; running out of iterations is its own
// failure kind.
package extraction
