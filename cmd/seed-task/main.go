package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/tangjunyou/prompt-faster-sub001/internal/auth"
	"github.com/tangjunyou/prompt-faster-sub001/internal/config"
	"github.com/tangjunyou/prompt-faster-sub001/internal/logging"
	"github.com/tangjunyou/prompt-faster-sub001/internal/models"
	"github.com/tangjunyou/prompt-faster-sub001/internal/storage"
)

// seedInput is the validated command line
type seedInput struct {
	UserID        string
	WorkspaceName string
	TaskName      string
	Prompt        string
	Endpoint      string
	Model         string
	TestCasesFile string
	TokenTTL      time.Duration
}

func main() {
	in := seedInput{}
	flag.StringVar(&in.UserID, "user", "", "Owner user id (required)")
	flag.StringVar(&in.WorkspaceName, "workspace", "default", "Workspace name")
	flag.StringVar(&in.TaskName, "name", "", "Task name (required)")
	flag.StringVar(&in.Prompt, "prompt", "", "Initial prompt (required)")
	flag.StringVar(&in.Endpoint, "endpoint", "", "Execution target endpoint (required)")
	flag.StringVar(&in.Model, "model", "", "Execution target model")
	flag.StringVar(&in.TestCasesFile, "test-cases", "", "JSON file with an array of test cases (required)")
	flag.DurationVar(&in.TokenTTL, "token-ttl", 24*time.Hour, "Lifetime of the printed development token")
	flag.Parse()

	logger := logging.Default("seed-task")

	if err := validateInput(in); err != nil {
		logger.WithError(err).Error("validation error")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Error("failed to load config")
		os.Exit(1)
	}

	testCases, err := loadTestCases(in.TestCasesFile)
	if err != nil {
		logger.WithError(err).Error("failed to load test cases")
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Options{
		Driver:      storage.Driver(cfg.Database.Driver),
		URL:         cfg.Database.URL,
		SQLitePath:  cfg.Database.SQLitePath,
		AutoMigrate: true,
	})
	if err != nil {
		logger.WithError(err).Error("failed to connect to database")
		os.Exit(1)
	}
	defer db.Close()

	task, err := seedTask(ctx, storage.NewTaskRepository(db), in, cfg.Optimization, testCases)
	if err != nil {
		logger.WithError(err).Error("failed to seed task")
		os.Exit(1)
	}

	jm, err := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		logger.WithError(err).Error("failed to initialize JWT manager")
		os.Exit(1)
	}
	token, err := jm.GenerateToken(ctx, in.UserID, in.UserID, in.TokenTTL)
	if err != nil {
		logger.WithError(err).Error("failed to generate token")
		os.Exit(1)
	}

	logger.WithTaskID(task.ID).Info("task seeded",
		"workspace_id", task.WorkspaceID,
		"name", task.Name,
		"test_cases", len(testCases),
	)
	fmt.Println(token)
}

func validateInput(in seedInput) error {
	var missing []string
	for name, value := range map[string]string{
		"user":       in.UserID,
		"name":       in.TaskName,
		"prompt":     in.Prompt,
		"endpoint":   in.Endpoint,
		"test-cases": in.TestCasesFile,
	} {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, "-"+name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required flags: %s", strings.Join(missing, ", "))
	}
	if !strings.HasPrefix(in.Endpoint, "http://") && !strings.HasPrefix(in.Endpoint, "https://") {
		return fmt.Errorf("endpoint must be an http(s) URL: %s", in.Endpoint)
	}
	return nil
}

// loadTestCases reads a JSON array; cases without an id get one
func loadTestCases(path string) ([]models.TestCase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var testCases []models.TestCase
	if err := json.Unmarshal(data, &testCases); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(testCases) == 0 {
		return nil, errors.New("at least one test case is required")
	}
	for i := range testCases {
		if testCases[i].ID == "" {
			testCases[i].ID = uuid.NewString()
		}
	}
	return testCases, nil
}

type taskCreator interface {
	CreateWorkspace(ctx context.Context, ws *models.Workspace) error
	CreateTask(ctx context.Context, task *models.Task, testCases []models.TestCase) error
}

// seedTask creates a workspace owned by the user and one task inside it
func seedTask(ctx context.Context, repo taskCreator, in seedInput, cfg models.OptimizationConfig, testCases []models.TestCase) (*models.Task, error) {
	ctx, span := otel.Tracer("seed-task").Start(ctx, "seed_task")
	defer span.End()

	now := time.Now().UTC()
	ws := &models.Workspace{
		ID:          uuid.NewString(),
		Name:        in.WorkspaceName,
		OwnerUserID: in.UserID,
		CreatedAt:   now,
	}
	if err := repo.CreateWorkspace(ctx, ws); err != nil {
		span.RecordError(err)
		return nil, err
	}

	task := &models.Task{
		ID:            uuid.NewString(),
		WorkspaceID:   ws.ID,
		Name:          in.TaskName,
		InitialPrompt: in.Prompt,
		Target: models.ExecutionTargetConfig{
			Kind:     "http",
			Endpoint: in.Endpoint,
			Model:    in.Model,
		},
		Config:    cfg,
		CreatedAt: now,
	}
	if err := repo.CreateTask(ctx, task, testCases); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return task, nil
}
