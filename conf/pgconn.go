package conf

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// GetPgConnStrFromEnv composes a postgres connection string from POSTGRES_*
// variables. Outside localhost the password is read from AWS Secrets Manager.
func GetPgConnStrFromEnv(ctx context.Context) (string, error) {
	host := os.Getenv("POSTGRES_HOST")
	var pw string
	if host == "localhost" || host == "" {
		pw = os.Getenv("POSTGRES_PW")
	} else {
		secretName := os.Getenv("POSTGRES_PASSWORD_SECRET_NAME")
		secretValue, err := getSecretFromAWS(ctx, secretName)
		if err != nil {
			return "", fmt.Errorf("failed to get postgres password from AWS: %w", err)
		}
		var secret struct {
			Password string `json:"password"`
		}
		if err := json.Unmarshal([]byte(secretValue), &secret); err != nil {
			return "", fmt.Errorf("failed to parse postgres password secret: %w", err)
		}
		pw = secret.Password
	}
	user := os.Getenv("POSTGRES_USER")
	port := os.Getenv("POSTGRES_PORT")
	db := os.Getenv("POSTGRES_DB")
	ssl := os.Getenv("POSTGRES_SSLMODE")

	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, pw, db, ssl), nil
}

func getSecretFromAWS(ctx context.Context, secretName string) (string, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return "", err
	}
	svc := secretsmanager.NewFromConfig(cfg)
	input := &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretName),
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	result, err := svc.GetSecretValue(ctx, input)
	if err != nil {
		return "", err
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", secretName)
	}
	return *result.SecretString, nil
}
