package server

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/google/uuid"

	"relay/internal/models"
)

// loadView builds the session's MessageView from the store and assigns
// dense sequence numbers.
func (c *Conn) loadView() (*models.MessageView, error) {
	rows, err := c.srv.store.LoadMailbox(c.ctx, c.session.UserID)
	if err != nil {
		return nil, err
	}

	view := &models.MessageView{Messages: make([]*models.MessageHandle, 0, len(rows))}
	for _, r := range rows {
		view.Messages = append(view.Messages, &models.MessageHandle{
			EmailID:      r.EmailID,
			UID:          r.UID,
			Flags:        r.Flags,
			InternalDate: r.InternalDate,
			SizeBytes:    r.SizeBytes,
			MessageID:    r.MessageID,
			Subject:      r.Subject,
			FromAddress:  r.FromAddress,
			FromName:     r.FromName,
		})
	}
	view.Renumber()
	return view, nil
}

// uidValidity derives the mailbox epoch from the user id: the first
// four bytes of the UUID as a big-endian uint32. The value is stable
// for the life of the account, so clients never discard learned UIDs.
// Zero maps to 1 because UIDVALIDITY must be non-zero.
func uidValidity(userID string) uint32 {
	var v uint32
	if id, err := uuid.Parse(userID); err == nil {
		v = binary.BigEndian.Uint32(id[:4])
	} else {
		h := fnv.New32a()
		_, _ = h.Write([]byte(userID))
		v = h.Sum32()
	}
	if v == 0 {
		return 1
	}
	return v
}
