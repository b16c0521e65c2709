package platform

import (
	"fmt"

	"github.com/captrail/captrail/pkg/capture/turn"
	"github.com/captrail/captrail/pkg/dom"
	cterrors "github.com/captrail/captrail/pkg/errors"
)

// teamsShape handles Microsoft Teams captions: the per-speaker caption block
// is rerendered wholesale on every update, so the batch content is ignored
// and the last entry in the caption list is re-read each time. Some render
// modes show only an avatar image instead of a name; identity then falls back
// to a hash of the avatar URL (two speakers sharing an avatar collapse into
// one — accepted limitation).
type teamsShape struct{}

func (teamsShape) observerConfig() dom.ObserverConfig { return dom.ObserveAll() }

func (teamsShape) mergePolicy() turn.MergePolicy { return turn.MergeReplace }

func (teamsShape) extract(doc dom.Document, loc Locators, batch []dom.Mutation, emit func(rawName, avatarURL, text string)) error {
	entries := doc.QueryAll(loc.CaptionEntry)
	if len(entries) == 0 {
		return fmt.Errorf("%w: no caption entries after rerender", cterrors.ErrMalformedMutation)
	}
	last := entries[len(entries)-1]

	rawName := deepTextOf(doc, findDescendant(doc, last.ID, loc.SpeakerName))
	var avatarURL string
	if avatarID := findDescendant(doc, last.ID, loc.Avatar); avatarID != "" {
		if img, ok := doc.Node(avatarID); ok {
			avatarURL = img.Attr("src")
		}
	}
	text := deepTextOf(doc, findDescendant(doc, last.ID, loc.CaptionText))
	if text == "" {
		return fmt.Errorf("%w: caption entry %s has no text", cterrors.ErrMalformedMutation, last.ID)
	}
	if rawName == "" && avatarURL == "" {
		return fmt.Errorf("%w: caption entry %s has neither name nor avatar", cterrors.ErrMalformedMutation, last.ID)
	}

	emit(rawName, avatarURL, text)
	return nil
}
