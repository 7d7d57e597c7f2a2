package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/PaulBabatuyi/pixelchat-messaging/internal/config"
	"github.com/PaulBabatuyi/pixelchat-messaging/internal/profilesync"
	"github.com/PaulBabatuyi/pixelchat-messaging/internal/queue"
)

// publishCommand returns the publish-user-event sub-command, which puts one
// user event on the sync stream the way the identity system would.
func publishCommand() *cli.Command {
	cfg := config.DefaultConfig()
	var action, userID, name, nickname, picture string
	return &cli.Command{
		Name:      "publish-user-event",
		Usage:     "Publish a user sync event (update or delete)",
		ArgsUsage: " ",
		Flags: append(syncFlags(&cfg),
			&cli.StringFlag{Name: "action", Value: profilesync.ActionUpdate, Destination: &action, Usage: "update, delete or deleteAll"},
			&cli.StringFlag{Name: "user-id", Destination: &userID, Usage: "external identity id"},
			&cli.StringFlag{Name: "name", Destination: &name},
			&cli.StringFlag{Name: "nickname", Destination: &nickname},
			&cli.StringFlag{Name: "picture", Destination: &picture},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cfg.RedisURL == "" {
				return fmt.Errorf("REDIS_URL must be set")
			}
			env := buildEnvelope(action, userID, name, nickname, picture)
			body, err := json.Marshal(env)
			if err != nil {
				return err
			}
			// Same checks the consumer applies, so typos fail here and not in the dead-letter stream.
			if _, err := profilesync.ParseEnvelope(body); err != nil {
				return err
			}

			stream, err := queue.Dial(ctx, queueConfig(cfg))
			if err != nil {
				return err
			}
			defer stream.Close()

			id, err := stream.Publish(ctx, body)
			if err != nil {
				return err
			}
			log.Info("published user event", "id", id, "action", env.Action, "user", userID)
			return nil
		},
	}
}

func buildEnvelope(action, userID, name, nickname, picture string) profilesync.Envelope {
	env := profilesync.Envelope{Action: action}
	switch action {
	case profilesync.ActionUpdate:
		env.User = &profilesync.UserPayload{ID: userID, Name: name, Nickname: nickname, Picture: picture}
	case profilesync.ActionDelete:
		env.UserID = userID
	}
	return env
}
