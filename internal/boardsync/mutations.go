package boardsync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/immxrtalbeast/teamsync/internal/domain"
	"github.com/immxrtalbeast/teamsync/lib/logger/sl"
)

// CreateSection stores a new section and broadcasts it. There is no id to
// apply optimistically, so the replica changes only on success.
func (e *Engine) CreateSection(ctx context.Context, name string) (domain.Section, error) {
	const op = "boardsync.engine.createSection"

	replica, err := e.active()
	if err != nil {
		return domain.Section{}, fmt.Errorf("%s: %w", op, err)
	}
	section, err := e.api.CreateSection(ctx, replica.BoardID(), name)
	if err != nil {
		return domain.Section{}, fmt.Errorf("%s: %w", op, requestFailed(err))
	}
	replica.PutSection(section)
	e.broadcast(domain.EventSectionCreated, domain.BoardEvent{BoardID: replica.BoardID(), Section: &section})
	return section, nil
}

// DeleteSection removes a section and its cards at once and restores them
// when the request fails.
func (e *Engine) DeleteSection(ctx context.Context, sectionID string) error {
	const op = "boardsync.engine.deleteSection"
	log := e.log.With(slog.String("op", op), slog.String("section_id", sectionID))

	replica, err := e.active()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	section, ok := replica.Section(sectionID)
	if !ok {
		return fmt.Errorf("%s: %w", op, ErrUnknownSection)
	}
	cards, rev, err := replica.RemoveSection(sectionID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, ErrUnknownSection)
	}

	if err := e.api.DeleteSection(ctx, sectionID); err != nil {
		if !replica.RestoreSection(section, cards, rev) {
			log.Debug("rollback skipped, section changed meanwhile")
		}
		e.notify(Change{Event: "rollback", BoardID: replica.BoardID()})
		return fmt.Errorf("%s: %w", op, requestFailed(err))
	}

	e.broadcast(domain.EventSectionDeleted, domain.BoardEvent{BoardID: replica.BoardID(), SectionID: sectionID})
	return nil
}

func (e *Engine) CreateCard(ctx context.Context, draft domain.CardDraft) (domain.Card, error) {
	const op = "boardsync.engine.createCard"

	replica, err := e.active()
	if err != nil {
		return domain.Card{}, fmt.Errorf("%s: %w", op, err)
	}
	if _, ok := replica.Section(draft.SectionID); !ok {
		return domain.Card{}, fmt.Errorf("%s: %w", op, ErrUnknownSection)
	}
	draft.BoardID = replica.BoardID()

	card, err := e.api.CreateCard(ctx, draft)
	if err != nil {
		return domain.Card{}, fmt.Errorf("%s: %w", op, requestFailed(err))
	}
	if _, err := replica.PutCard(card); err != nil {
		e.log.Debug("created card not applied", slog.String("op", op), sl.Err(err))
	}
	e.broadcast(domain.EventCardCreated, domain.BoardEvent{BoardID: replica.BoardID(), Card: &card})
	return card, nil
}

// UpdateCard applies update locally, stores it and broadcasts the stored card.
func (e *Engine) UpdateCard(ctx context.Context, cardID string, update domain.CardUpdate) (domain.Card, error) {
	const op = "boardsync.engine.updateCard"

	return e.mutateCard(ctx, op, cardID, domain.EventCardUpdated,
		func(_ *Replica, prev domain.Card) (domain.Card, error) {
			return update.Apply(prev), nil
		},
		func(ctx context.Context) (domain.Card, error) {
			return e.api.UpdateCard(ctx, cardID, update)
		},
	)
}

// MoveCard moves a card into targetSectionID. Dropped on dropOnCardID it
// takes that card's order; with no drop target it goes to the end of the
// section. Siblings are never renumbered here.
func (e *Engine) MoveCard(ctx context.Context, cardID, targetSectionID, dropOnCardID string) (domain.Card, error) {
	const op = "boardsync.engine.moveCard"

	var order int
	return e.mutateCard(ctx, op, cardID, domain.EventCardMoved,
		func(replica *Replica, prev domain.Card) (domain.Card, error) {
			var err error
			order, err = replica.DropOrder(targetSectionID, dropOnCardID)
			if err != nil {
				return domain.Card{}, err
			}
			prev.SectionID = targetSectionID
			prev.Order = order
			return prev, nil
		},
		func(ctx context.Context) (domain.Card, error) {
			return e.api.MoveCard(ctx, cardID, targetSectionID, order)
		},
	)
}

func (e *Engine) DeleteCard(ctx context.Context, cardID string) error {
	const op = "boardsync.engine.deleteCard"
	log := e.log.With(slog.String("op", op), slog.String("card_id", cardID))

	replica, err := e.active()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	prev, ok := replica.Card(cardID)
	if !ok {
		return fmt.Errorf("%s: %w", op, ErrUnknownCard)
	}
	rev, err := replica.RemoveCard(cardID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, ErrUnknownCard)
	}

	if err := e.api.DeleteCard(ctx, cardID); err != nil {
		if !replica.RestoreCard(prev, true, rev) {
			log.Debug("rollback skipped, card changed meanwhile")
		}
		e.notify(Change{Event: "rollback", BoardID: replica.BoardID()})
		return fmt.Errorf("%s: %w", op, requestFailed(err))
	}

	e.broadcast(domain.EventCardDeleted, domain.BoardEvent{BoardID: replica.BoardID(), CardID: cardID})
	return nil
}

// mutateCard runs the optimistic update protocol for an existing card:
// apply locally, send the request, then either replace with the stored
// card and broadcast, or roll back unless a newer change arrived.
func (e *Engine) mutateCard(
	ctx context.Context,
	op, cardID, event string,
	local func(replica *Replica, prev domain.Card) (domain.Card, error),
	request func(ctx context.Context) (domain.Card, error),
) (domain.Card, error) {
	log := e.log.With(slog.String("op", op), slog.String("card_id", cardID))

	replica, err := e.active()
	if err != nil {
		return domain.Card{}, fmt.Errorf("%s: %w", op, err)
	}
	prev, ok := replica.Card(cardID)
	if !ok {
		return domain.Card{}, fmt.Errorf("%s: %w", op, ErrUnknownCard)
	}
	next, err := local(replica, prev)
	if err != nil {
		return domain.Card{}, fmt.Errorf("%s: %w", op, err)
	}
	rev, err := replica.UpdateCard(next)
	if err != nil {
		return domain.Card{}, fmt.Errorf("%s: %w", op, ErrUnknownCard)
	}
	e.notify(Change{Event: event, BoardID: replica.BoardID()})

	stored, err := request(ctx)
	if err != nil {
		if !replica.RestoreCard(prev, true, rev) {
			log.Debug("rollback skipped, card changed meanwhile")
		}
		e.notify(Change{Event: "rollback", BoardID: replica.BoardID()})
		return domain.Card{}, fmt.Errorf("%s: %w", op, requestFailed(err))
	}

	if _, err := replica.UpdateCard(stored); err != nil {
		log.Debug("stored card not applied", sl.Err(err))
	}
	e.broadcast(event, domain.BoardEvent{BoardID: replica.BoardID(), Card: &stored})
	return stored, nil
}
