package platform

import (
	"fmt"

	"github.com/captrail/captrail/pkg/capture/turn"
	"github.com/captrail/captrail/pkg/dom"
	cterrors "github.com/captrail/captrail/pkg/errors"
)

// meetShape handles Google Meet captions: a stable container where the text
// node holding the caption mutates in place (characterData), with the speaker
// name two levels up in a sibling element. The DOM always holds the full
// current text for the active caption, so same-speaker updates replace.
type meetShape struct{}

func (meetShape) observerConfig() dom.ObserverConfig {
	return dom.ObserverConfig{ChildList: true, Subtree: true, CharacterData: true}
}

func (meetShape) mergePolicy() turn.MergePolicy { return turn.MergeReplace }

func (meetShape) extract(doc dom.Document, loc Locators, batch []dom.Mutation, emit func(rawName, avatarURL, text string)) error {
	var firstErr error
	for _, m := range batch {
		switch m.Type {
		case dom.MutationCharacterData:
			speaker, err := speakerAboveTextNode(doc, loc, m.Target)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			emit(speaker, "", m.NewText)

		case dom.MutationChildList:
			// A new caption block appeared; read it whole.
			for _, id := range m.Added {
				entry := findDescendant(doc, id, loc.CaptionEntry)
				if entry == "" {
					continue
				}
				speaker := deepTextOf(doc, findDescendant(doc, entry, loc.SpeakerName))
				text := deepTextOf(doc, findDescendant(doc, entry, loc.CaptionText))
				if speaker == "" || text == "" {
					if firstErr == nil {
						firstErr = fmt.Errorf("%w: caption block %s missing speaker or text", cterrors.ErrMalformedMutation, entry)
					}
					continue
				}
				emit(speaker, "", text)
			}
		}
	}
	return firstErr
}

// speakerAboveTextNode walks parent-of-parent from a mutated text node to the
// caption block, then finds the speaker element among its descendants.
func speakerAboveTextNode(doc dom.Document, loc Locators, target dom.NodeID) (string, error) {
	n, ok := doc.Node(target)
	if !ok {
		return "", fmt.Errorf("%w: mutated node %s not in document", cterrors.ErrMalformedMutation, target)
	}
	parent, ok := doc.Node(n.Parent)
	if !ok {
		return "", fmt.Errorf("%w: caption node %s has no parent", cterrors.ErrMalformedMutation, target)
	}
	block, ok := doc.Node(parent.Parent)
	if !ok {
		return "", fmt.Errorf("%w: caption node %s has no enclosing block", cterrors.ErrMalformedMutation, target)
	}
	speaker := deepTextOf(doc, findDescendant(doc, block.ID, loc.SpeakerName))
	if speaker == "" {
		return "", fmt.Errorf("%w: no speaker name near caption node %s", cterrors.ErrMalformedMutation, target)
	}
	return speaker, nil
}
