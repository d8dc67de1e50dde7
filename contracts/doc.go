// Package contracts defines the core types shared across the delivery
// engine: the work item envelope, processing outcomes, attempt history
// entries, and the error taxonomy used for failure classification.
package contracts
