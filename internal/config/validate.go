package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validatePools(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateRetry(); err != nil {
		return err
	}
	if err := c.validateSpeaker(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.DataDir == "" {
		return errors.New("paths.data_dir must be set")
	}
	if c.Paths.WorkDir == "" {
		return errors.New("paths.work_dir must be set")
	}
	return nil
}

func (c *Config) validatePools() error {
	pools := map[string]int{
		"pools.gpu":      c.Pools.GPU,
		"pools.download": c.Pools.Download,
		"pools.cpu":      c.Pools.CPU,
		"pools.nlp":      c.Pools.NLP,
		"pools.utility":  c.Pools.Utility,
	}
	for name, size := range pools {
		if size < 1 {
			return fmt.Errorf("%s must be at least 1", name)
		}
	}
	if c.Pools.GPU > 4 {
		return errors.New("pools.gpu must be between 1 and 4")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.QueuePollInterval < 1 {
		return errors.New("workflow.queue_poll_interval must be at least 1 second")
	}
	if c.Workflow.HeartbeatInterval < 1 {
		return errors.New("workflow.heartbeat_interval must be at least 1 second")
	}
	if c.Workflow.RecoveryInterval < 1 {
		return errors.New("workflow.recovery_interval must be at least 1 second")
	}
	if c.Workflow.DefaultStageTimeout < c.Workflow.HeartbeatInterval {
		return errors.New("workflow.default_stage_timeout must exceed the heartbeat interval")
	}
	for stage, timeout := range c.Workflow.StageTimeouts {
		if timeout < c.Workflow.HeartbeatInterval {
			return fmt.Errorf("workflow.stage_timeouts.%s must exceed the heartbeat interval", stage)
		}
	}
	return nil
}

func (c *Config) validateRetry() error {
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be at least 1")
	}
	if c.Retry.BackoffSeconds < 0 {
		return errors.New("retry.backoff_seconds must not be negative")
	}
	if c.Retry.BackoffMultiplier < 1 {
		return errors.New("retry.backoff_multiplier must be at least 1")
	}
	return nil
}

func (c *Config) validateSpeaker() error {
	if c.Speaker.AutoAcceptThreshold < 0 || c.Speaker.AutoAcceptThreshold > 1 {
		return errors.New("speaker.auto_accept_threshold must be between 0 and 1")
	}
	if c.Speaker.SuggestThreshold < 0 || c.Speaker.SuggestThreshold > 1 {
		return errors.New("speaker.suggest_threshold must be between 0 and 1")
	}
	if c.Speaker.SuggestThreshold > c.Speaker.AutoAcceptThreshold {
		return errors.New("speaker.suggest_threshold must not exceed speaker.auto_accept_threshold")
	}
	if c.Speaker.MaxReferenceEmbeddings < 1 {
		return errors.New("speaker.max_reference_embeddings must be at least 1")
	}
	if c.Speaker.RelabelConcurrency < 1 {
		return errors.New("speaker.relabel_concurrency must be at least 1")
	}
	return nil
}
