package platform

import (
	"fmt"

	"github.com/captrail/captrail/pkg/capture/turn"
	"github.com/captrail/captrail/pkg/dom"
	cterrors "github.com/captrail/captrail/pkg/errors"
)

// zoomShape handles the Zoom web client: a virtualized caption list whose
// node identities change across renders, so nothing is cached between
// callbacks — the visible window is re-queried every batch. The caption node
// holds only the visible window of text (it truncates from the front while
// appending at the back), so same-speaker updates append the reconciled
// delta instead of replacing.
type zoomShape struct{}

func (zoomShape) observerConfig() dom.ObserverConfig {
	return dom.ObserverConfig{ChildList: true, Subtree: true, CharacterData: true}
}

func (zoomShape) mergePolicy() turn.MergePolicy { return turn.MergeAppend }

func (zoomShape) extract(doc dom.Document, loc Locators, batch []dom.Mutation, emit func(rawName, avatarURL, text string)) error {
	entries := doc.QueryAll(loc.CaptionEntry)
	if len(entries) == 0 {
		return fmt.Errorf("%w: no caption entries in virtualized list", cterrors.ErrMalformedMutation)
	}
	last := entries[len(entries)-1]

	rawName := deepTextOf(doc, findDescendant(doc, last.ID, loc.SpeakerName))
	text := deepTextOf(doc, findDescendant(doc, last.ID, loc.CaptionText))
	if rawName == "" || text == "" {
		return fmt.Errorf("%w: caption entry %s missing speaker or text", cterrors.ErrMalformedMutation, last.ID)
	}

	emit(rawName, "", text)
	return nil
}
