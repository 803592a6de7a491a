package session

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/cory-johannsen/vdm/internal/game/room"
)

// say handles chat input. Plain text is the player's action for the turn;
// text starting with a slash is a command.
func (m *Manager) say(ctx context.Context, sess *Session, rm *room.Room, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if !strings.HasPrefix(text, "/") {
		return rm.SubmitAction(sess.PlayerID(), text)
	}

	cmd, arg, _ := strings.Cut(text, " ")
	cmd = strings.ToLower(cmd)
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/roll":
		res, err := m.roller.RollNotation(arg)
		if err != nil {
			return err
		}
		_, err = rm.Post(sess.PlayerID(), "rolls "+res.String(), false)
		return err
	case "/ooc":
		if arg == "" {
			rm.Tell(sess.ID(), "Usage: /ooc <message>")
			return nil
		}
		_, err := rm.Post(sess.PlayerID(), arg, true)
		return err
	case "/next":
		return m.resolve(sess, rm)
	case "/save":
		if err := rm.SaveNow(ctx, sess.PlayerID()); err != nil {
			sess.logger.Warn("manual save failed", zap.Error(err))
			rm.Tell(sess.ID(), "Saving failed. The game will be saved again after the next turn.")
			return nil
		}
		rm.Announce(fmt.Sprintf("Game progress saved by %s.", sess.Name()))
		return nil
	default:
		rm.Tell(sess.ID(), fmt.Sprintf("Unknown command: %s", cmd))
		return nil
	}
}
