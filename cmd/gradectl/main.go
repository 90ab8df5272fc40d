package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/programme-lv/grader/blobstore"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()

	var server string
	var logLevel string

	var rootCmd = &cobra.Command{
		Use:   "gradectl",
		Short: "Submit assessments to the grader and follow sandbox submissions",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initLogger(logLevel)
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&server, "server", envOr("GRADER_PUBLIC_URL", "http://localhost:8080"), "Grader base url")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level")

	rootCmd.AddCommand(
		uploadCmd(),
		submitCmd(&server),
		watchCmd(&server),
		callbackCmd(&server),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func uploadCmd() *cobra.Command {
	var bucket, dir, base, root, region string

	cmd := &cobra.Command{
		Use:   "upload FILE...",
		Short: "Upload attachments to the blob store and print their refs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var store blobstore.Store
			switch {
			case bucket != "":
				awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
				if err != nil {
					return fmt.Errorf("failed to load AWS config: %w", err)
				}
				store = blobstore.NewS3Bucket(awsCfg, bucket)
			case dir != "":
				local, err := blobstore.NewLocalDir(dir)
				if err != nil {
					return err
				}
				store = local
			default:
				return fmt.Errorf("either --bucket or --dir is required")
			}

			absBase, err := filepath.Abs(base)
			if err != nil {
				return err
			}
			paths := make([]string, len(args))
			for i, a := range args {
				if paths[i], err = filepath.Abs(a); err != nil {
					return err
				}
			}
			files, err := readAttachments(absBase, paths)
			if err != nil {
				return err
			}
			if root == "" {
				root = contentRoot(files)
			}
			refs, err := uploadAttachments(ctx, store, root, files)
			if err != nil {
				return err
			}
			log.Info().Str("root", root).Int("files", len(refs)).Msg("attachments uploaded")
			for _, ref := range refs {
				fmt.Println(ref)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&bucket, "bucket", os.Getenv("GRADER_BLOB_BUCKET"), "S3 bucket")
	cmd.Flags().StringVar(&dir, "dir", os.Getenv("GRADER_BLOB_DIR"), "Local blob directory, used when no bucket is given")
	cmd.Flags().StringVar(&base, "base", ".", "Directory the file names are relative to")
	cmd.Flags().StringVar(&root, "root", "", "Root to upload under (default: derived from the contents)")
	cmd.Flags().StringVar(&region, "region", envOr("GRADER_AWS_REGION", "eu-central-1"), "AWS region")
	return cmd
}

func submitCmd(server *string) *cobra.Command {
	var file, id string
	var criteria, configs, attachments []string
	var metadata map[string]string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Start grading an assessment",
		Example: `  gradectl submit --criterion style=static-analysis --criterion tests=test-runner \
    --config style=lint.toml --attach 3f2a.../main.py`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildAssessment(file, id, criteria, configs, attachments, metadata)
			if err != nil {
				return err
			}
			assessmentID, err := newAPIClient(*server).submit(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Println(assessmentID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON request file; flags add to it")
	cmd.Flags().StringVar(&id, "id", "", "Assessment id (default: generated by the server)")
	cmd.Flags().StringArrayVarP(&criteria, "criterion", "c", nil, "Criterion as name=plugin")
	cmd.Flags().StringArrayVar(&configs, "config", nil, "Criterion config file as name=path")
	cmd.Flags().StringArrayVarP(&attachments, "attach", "a", nil, "Attachment ref root/path")
	cmd.Flags().StringToStringVar(&metadata, "meta", nil, "Metadata key=value pairs")
	return cmd
}

func buildAssessment(file, id string, criteria, configs, attachments []string, metadata map[string]string) (assessmentRequest, error) {
	var req assessmentRequest
	if file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return req, err
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return req, fmt.Errorf("failed to parse %s: %w", file, err)
		}
	}
	if id != "" {
		req.AssessmentID = id
	}
	for _, c := range criteria {
		name, plugin, ok := strings.Cut(c, "=")
		if !ok || name == "" || plugin == "" {
			return req, fmt.Errorf("criterion %q is not of the form name=plugin", c)
		}
		req.Criteria = append(req.Criteria, criterionArg{Name: name, Plugin: plugin})
	}
	for _, c := range configs {
		name, path, ok := strings.Cut(c, "=")
		if !ok {
			return req, fmt.Errorf("config %q is not of the form name=path", c)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return req, err
		}
		found := false
		for i := range req.Criteria {
			if req.Criteria[i].Name == name {
				req.Criteria[i].Config = string(raw)
				found = true
			}
		}
		if !found {
			return req, fmt.Errorf("config given for unknown criterion %q", name)
		}
	}
	req.Attachments = append(req.Attachments, attachments...)
	if len(metadata) > 0 {
		if req.Metadata == nil {
			req.Metadata = map[string]string{}
		}
		for k, v := range metadata {
			req.Metadata[k] = v
		}
	}
	if len(req.Criteria) == 0 {
		return req, fmt.Errorf("at least one criterion is required")
	}
	return req, nil
}

func watchCmd(server *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch SUBMISSION_ID",
		Short: "Follow a sandbox submission until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := tea.NewProgram(newWatchModel(newAPIClient(*server), args[0]))
			final, err := p.Run()
			if err != nil {
				return err
			}
			if m, ok := final.(watchModel); ok && m.err != nil {
				return m.err
			}
			return nil
		},
	}
}

func callbackCmd(server *string) *cobra.Command {
	var typ, token, bodyFile string

	cmd := &cobra.Command{
		Use:   "callback SUBMISSION_ID",
		Short: "Send a sandbox callback by hand",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body []byte
			if bodyFile != "" {
				var err error
				if body, err = os.ReadFile(bodyFile); err != nil {
					return err
				}
			}
			if err := newAPIClient(*server).sendCallback(cmd.Context(), typ, args[0], token, body); err != nil {
				return err
			}
			log.Info().Str("type", typ).Str("id", args[0]).Msg("callback accepted")
			return nil
		},
	}
	cmd.Flags().StringVarP(&typ, "type", "t", "", "Callback type: upload, init or run")
	cmd.Flags().StringVar(&token, "token", "", "Callback token")
	cmd.Flags().StringVar(&bodyFile, "body", "", "File with the run result JSON")
	cmd.MarkFlagRequired("type")
	return cmd
}
