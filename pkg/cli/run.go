package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-redis/redis"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/replicatedhq/testcontent/pkg/build"
	"github.com/replicatedhq/testcontent/pkg/docker"
	"github.com/replicatedhq/testcontent/pkg/lock"
	"github.com/replicatedhq/testcontent/pkg/logging"
	"github.com/replicatedhq/testcontent/pkg/notify"
	"github.com/replicatedhq/testcontent/pkg/results"
	"github.com/replicatedhq/testcontent/pkg/runner"
	"github.com/replicatedhq/testcontent/pkg/sshexec"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/ssh"
)

func NewRunCmd(cli CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "run",
		Aliases:      []string{"test-content"},
		Short:        "Run the test playbooks of a build",
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return cli.GetViper().BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := cli.GetViper()
			fs := cli.GetFS()

			artifacts := v.GetString("artifacts-path")
			logsDir := filepath.Join(artifacts, "logs")
			if err := fs.MkdirAll(logsDir, 0755); err != nil {
				return errors.Wrapf(err, "create %s", logsDir)
			}
			logFile, err := fs.OpenFile(filepath.Join(logsDir, logging.LogFileName), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
			if err != nil {
				return errors.Wrap(err, "open log file")
			}
			defer logFile.Close()

			logs := logging.NewManager(logging.Options{
				Stdout:       cmd.OutOrStdout(),
				File:         logFile,
				Color:        isatty.IsTerminal(os.Stdout.Fd()),
				Debug:        v.GetBool("debug"),
				RealTimeOnly: !v.GetBool("nightly"),
			})
			defer logs.FlushAll()
			log := logs.Worker("main")

			buildContext, err := build.New(fs, buildOptions(v), log)
			if err != nil {
				return errors.Wrap(err, "load build configuration")
			}

			opts := runner.Options{
				Build:         buildContext,
				FS:            fs,
				ArtifactsPath: artifacts,
				Logs:          logs,
				CommitSHA:     v.GetString("commit-sha"),
				Bucket:        v.GetString("object-store-bucket"),
				Progress:      cmd.ErrOrStderr(),
				IsTerminal:    isatty.IsTerminal(os.Stderr.Fd()),
			}

			if addr := v.GetString("redis-addr"); addr != "" {
				client := redis.NewClient(&redis.Options{Addr: addr})
				defer client.Close()
				if err := client.WithContext(cmd.Context()).Ping().Err(); err != nil {
					return errors.Wrapf(err, "connect to redis %s", addr)
				}
				opts.Locker = func(owner string) lock.Locker { return lock.NewRedis(client, owner) }
			} else {
				table := lock.NewTable()
				opts.Locker = func(owner string) lock.Locker { return table.For(owner) }
			}

			if keyPath := v.GetString("ssh-key"); keyPath != "" {
				signer, err := sshexec.LoadSigner(fs, keyPath)
				if err != nil {
					return errors.Wrap(err, "load ssh key")
				}
				executors := newExecutors(signer)
				defer executors.Close()
				opts.Executor = executors.For
			}

			if token := v.GetString("slack"); token != "" {
				opts.Notifier = notify.NewSlack(token, v.GetString("slack-channel"))
			}
			if token := v.GetString("github-token"); token != "" {
				opts.GitHub = notify.NewGitHub(token, v.GetString("github-repo"), log.RealTime())
			}
			if host := v.GetString("object-store-host"); host != "" {
				store, err := results.NewObjectStore(host, v.GetString("object-store-access-key-id"), v.GetString("object-store-access-key-secret"))
				if err != nil {
					return err
				}
				opts.ObjectStore = store
			}

			err = runner.Run(cmd.Context(), opts)
			switch {
			case err == nil:
				fmt.Fprintln(cmd.ErrOrStderr(), OutputPassGreen(), "All test playbooks passed")
			case errors.Is(err, ErrTestsFailed):
				fmt.Fprintln(cmd.ErrOrStderr(), OutputFailRed(), "Some test playbooks failed")
			}
			return err
		},
	}

	cmd.Flags().String("artifacts-path", "./artifacts", "directory of the result files and logs")
	cmd.Flags().String("api-key", "", "API key of the on-prem servers")
	cmd.Flags().String("conf", "./Tests/conf.json", "path to the test configuration file")
	cmd.Flags().String("secret", "", "path to the secret configuration file")
	cmd.Flags().Bool("nightly", false, "run as a nightly build")
	cmd.Flags().String("slack", "", "slack token to announce failed tests with")
	cmd.Flags().String("slack-channel", "#dmst-content-nightly", "slack channel to announce failed tests in")
	cmd.Flags().String("build-number", "", "CI build number")
	cmd.Flags().String("branch-name", "", "branch the build runs on")
	cmd.Flags().Bool("is-ami", true, "the servers are AMI instances")
	cmd.Flags().Bool("mem-check", false, "check the memory and PID usage of integration containers")
	cmd.Flags().String("server-version", "NonAMI", "server version tag, e.g. \"Server Master\" or \"Server 6.10\"")
	cmd.Flags().Bool("use-retries", false, "run failed tests again and decide by quorum")
	cmd.Flags().String("server-type", string(build.XSOAR), "XSOAR, XSOAR SAAS, XSIAM or XPANSE")
	cmd.Flags().String("product-type", "", "product of the cloud machines")
	cmd.Flags().String("cloud_machine_ids", "", "comma separated cloud machine ids")
	cmd.Flags().String("cloud_servers_path", "", "path to the cloud servers file")
	cmd.Flags().String("cloud_servers_api_keys", "", "path to the cloud servers API keys file")
	cmd.Flags().String("machine_assignment", "", "path to the machine assignment file")
	cmd.Flags().String("server", "", "address of a single server, for local runs")
	cmd.Flags().String("env-results", "./artifacts/env_results.json", "path to the env results file of on-prem builds")
	cmd.Flags().String("ssh-key", "", "private key to reach the on-prem servers with")
	cmd.Flags().String("redis-addr", "", "redis server for integration locks shared between builds")
	cmd.Flags().String("github-token", "", "token to comment on the pull request with")
	cmd.Flags().String("github-repo", "demisto/content", "repository of the pull request")
	cmd.Flags().String("commit-sha", "", "commit the build runs on")
	cmd.Flags().String("object-store-host", "", "object store to upload nightly reports to")
	cmd.Flags().String("object-store-access-key-id", "", "object store access key id")
	cmd.Flags().String("object-store-access-key-secret", "", "object store access key secret")
	cmd.Flags().String("object-store-bucket", "test-playbooks-reports", "object store bucket of the nightly reports")

	return cmd
}

func buildOptions(v *viper.Viper) build.Options {
	var machineIDs []string
	for _, id := range strings.Split(v.GetString("cloud_machine_ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			machineIDs = append(machineIDs, id)
		}
	}
	return build.Options{
		ServerType:              v.GetString("server-type"),
		ServerVersion:           v.GetString("server-version"),
		ProductType:             v.GetString("product-type"),
		Server:                  v.GetString("server"),
		APIKey:                  v.GetString("api-key"),
		BuildNumber:             v.GetString("build-number"),
		BranchName:              v.GetString("branch-name"),
		Nightly:                 v.GetBool("nightly"),
		MemCheck:                v.GetBool("mem-check"),
		UseRetries:              v.GetBool("use-retries"),
		IsAMI:                   v.GetBool("is-ami"),
		ConfPath:                v.GetString("conf"),
		SecretPath:              v.GetString("secret"),
		EnvResultsPath:          v.GetString("env-results"),
		MachineAssignmentPath:   v.GetString("machine_assignment"),
		CloudMachineIDs:         machineIDs,
		CloudServersPath:        v.GetString("cloud_servers_path"),
		CloudServersAPIKeysPath: v.GetString("cloud_servers_api_keys"),
	}
}

// executors keeps one ssh connection per tenant host.
type executors struct {
	signer ssh.Signer
	hosts  []*sshexec.Executor
}

func newExecutors(signer ssh.Signer) *executors {
	return &executors{signer: signer}
}

func (e *executors) For(m build.Machine) docker.Executor {
	exec := sshexec.New(m.Host, sshexec.DefaultUser, e.signer)
	e.hosts = append(e.hosts, exec)
	return exec
}

func (e *executors) Close() {
	for _, exec := range e.hosts {
		exec.Close()
	}
}
