// Package ecs implements the job backend on AWS Elastic Container Service.
//
// Each job is one ECS task started from a shared task definition with a
// container override carrying the worker binary command line.
package ecs

import (
	"strings"
	"time"
)

// DefaultStartupTimeout bounds WaitForStartup when not configured.
const DefaultStartupTimeout = 10 * time.Minute

// Config configures the ECS backend.
type Config struct {
	// Cluster is the ECS cluster name or ARN (required).
	Cluster string

	// TaskDefinition is the family[:revision] or ARN used for every job (required).
	TaskDefinition string

	// ContainerName is the container in the task definition that receives
	// the command override (required).
	ContainerName string

	// Subnets and SecurityGroups configure awsvpc networking. When Subnets
	// is empty no network configuration is sent (EC2 bridge mode).
	Subnets        []string
	SecurityGroups []string
	AssignPublicIP bool

	// LaunchType is FARGATE or EC2. Empty means FARGATE.
	LaunchType string

	// Region, Profile and Endpoint select the AWS account/endpoint.
	Region   string
	Profile  string
	Endpoint string

	// StartupTimeout bounds JobSpec.WaitForStartup.
	StartupTimeout time.Duration
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Cluster) == "" {
		return &ConfigError{Field: "Cluster", Message: "cluster is required"}
	}
	if strings.TrimSpace(c.TaskDefinition) == "" {
		return &ConfigError{Field: "TaskDefinition", Message: "task definition is required"}
	}
	if strings.TrimSpace(c.ContainerName) == "" {
		return &ConfigError{Field: "ContainerName", Message: "container name is required"}
	}
	switch strings.ToUpper(c.LaunchType) {
	case "", "FARGATE", "EC2":
	default:
		return &ConfigError{Field: "LaunchType", Message: "launch type must be FARGATE or EC2"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "ecs config: " + e.Field + ": " + e.Message
}
