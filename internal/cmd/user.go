package cmd

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/anaphygon/askgate/internal/auth"
	"github.com/anaphygon/askgate/internal/config"
	"github.com/anaphygon/askgate/internal/logger"
	"github.com/anaphygon/askgate/internal/models"
	"github.com/anaphygon/askgate/internal/quota"
	"github.com/anaphygon/askgate/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	userEmail    string
	userPassword string
	userLimit    int
	userAdmin    bool
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage registered users",
}

var userCreateCmd = &cobra.Command{
	Use:   "create <username>",
	Short: "Create a user account",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserCreate,
}

var userLimitCmd = &cobra.Command{
	Use:   "limit <username> <daily-limit>",
	Short: "Change the daily chat limit of a user",
	Args:  cobra.ExactArgs(2),
	RunE:  runUserLimit,
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered users",
	Args:  cobra.NoArgs,
	RunE:  runUserList,
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userCreateCmd, userLimitCmd, userListCmd)

	userCreateCmd.Flags().StringVar(&userEmail, "email", "", "email address (required)")
	userCreateCmd.Flags().StringVar(&userPassword, "password", "", "password (required)")
	userCreateCmd.Flags().IntVar(&userLimit, "limit", -1, "daily chat limit (default from config)")
	userCreateCmd.Flags().BoolVar(&userAdmin, "admin", false, "grant the admin role")
	userCreateCmd.MarkFlagRequired("email")
	userCreateCmd.MarkFlagRequired("password")
}

// openUsers loads the configuration and opens the configured user store
func openUsers() (*config.Config, storage.Users, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.NewDevelopment()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return cfg, newUserStore(cfg.Storage), log, nil
}

func newUserStore(cfg config.StorageConfig) storage.Users {
	if cfg.Backend == "redis" {
		return storage.NewRedisUserStore(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}))
	}
	return storage.NewUserStore(cfg.UsersDir)
}

func runUserCreate(cmd *cobra.Command, args []string) error {
	cfg, users, log, err := openUsers()
	if err != nil {
		return err
	}
	defer log.Sync()

	svc := auth.NewService(auth.Config{
		BcryptCost:        cfg.Auth.BcryptCost,
		DefaultChatLimit:  cfg.Quota.DefaultLimit,
		MinPasswordLength: cfg.Auth.MinPasswordLength,
	}, users, storage.NewSessionStore(cfg.Storage.SessionsDir), auth.WithLogger(log))

	limit := userLimit
	if limit < 0 {
		limit = cfg.Quota.DefaultLimit
	}
	role := models.RoleUser
	if userAdmin {
		role = models.RoleAdmin
	}

	user, err := svc.CreateUser(cmd.Context(), args[0], userEmail, userPassword, limit, role)
	if err != nil {
		return err
	}

	fmt.Printf("Created user %s (%s), daily limit %d\n", user.Username, user.ID, user.ChatLimit)
	return nil
}

func runUserLimit(cmd *cobra.Command, args []string) error {
	cfg, users, log, err := openUsers()
	if err != nil {
		return err
	}
	defer log.Sync()

	limit, err := strconv.Atoi(args[1])
	if err != nil || limit < 0 {
		return fmt.Errorf("invalid daily limit %q", args[1])
	}

	loc, err := cfg.Quota.Location()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	user, err := users.FindByUsername(ctx, args[0])
	if err != nil {
		return fmt.Errorf("user %s: %w", args[0], err)
	}

	tracker := quota.NewTracker(users, quota.WithLocation(loc), quota.WithLogger(log))
	status, err := tracker.SetLimit(ctx, user.ID, limit)
	if err != nil {
		return err
	}

	fmt.Printf("Daily limit of %s set to %d (%d used today)\n", user.Username, status.Limit, status.Used)
	return nil
}

func runUserList(cmd *cobra.Command, args []string) error {
	_, users, log, err := openUsers()
	if err != nil {
		return err
	}
	defer log.Sync()

	list, err := users.List(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tEMAIL\tROLE\tUSED\tLIMIT\tACTIVE")
	for _, u := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%t\n", u.Username, u.Email, u.Role, u.DailyUsage, u.ChatLimit, u.IsActive)
	}
	return w.Flush()
}
