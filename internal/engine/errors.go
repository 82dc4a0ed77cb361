package engine

import "fmt"

// InvalidTransitionError is returned when a move targets a stage that is not
// part of the card's pipeline. The card is left untouched.
type InvalidTransitionError struct {
	CardID     string
	PipelineID string
	StageSlug  string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: stage %s is not part of pipeline %s", e.StageSlug, e.PipelineID)
}
