package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"taskboard/domain"
)

func newUserCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage board members",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <id> <name>",
		Short: "Add a board member, or rename an existing one",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			u := domain.User{ID: strings.TrimSpace(args[0]), Name: strings.TrimSpace(strings.Join(args[1:], " "))}
			if u.ID == "" || u.Name == "" {
				return errors.New("user id and name must not be blank")
			}
			b, err := openBackend(cfg)
			if err != nil {
				return err
			}
			defer b.close()
			if err := b.store.InsertUser(cmd.Context(), u); err != nil {
				return fmt.Errorf("add user: %w", err)
			}
			logger.WithFields(log.Fields{"id": u.ID, "name": u.Name}).Info("user saved")
			return nil
		},
	}, &cobra.Command{
		Use:   "list",
		Short: "List board members",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			b, err := openBackend(cfg)
			if err != nil {
				return err
			}
			defer b.close()
			users, err := b.store.ListUsers(cmd.Context())
			if err != nil {
				return err
			}
			sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
			for _, u := range users {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", u.ID, u.Name)
			}
			return nil
		},
	})
	return cmd
}
