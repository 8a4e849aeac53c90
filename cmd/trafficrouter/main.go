package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"
	"sigs.k8s.io/yaml"

	"github.com/fluxcd/trafficrouter/pkg/controller"
	"github.com/fluxcd/trafficrouter/pkg/kube"
	"github.com/fluxcd/trafficrouter/pkg/logger"
	"github.com/fluxcd/trafficrouter/pkg/metrics"
	"github.com/fluxcd/trafficrouter/pkg/notifier"
	"github.com/fluxcd/trafficrouter/pkg/server"
	"github.com/fluxcd/trafficrouter/pkg/signals"
	"github.com/fluxcd/trafficrouter/pkg/version"
)

var (
	kubeconfig           string
	masterURL            string
	namespace            string
	logLevel             string
	zapEncoding          string
	zapReplaceGlobals    bool
	port                 string
	allowClusterOverride bool
	requestFile          string
	swap                 bool
	slackURL             string
	slackUser            string
	slackChannel         string
	msteamsURL           string
	discordURL           string
	historyLimit         int
	ver                  bool
)

func init() {
	flag.StringVar(&kubeconfig, "kubeconfig", "", "Path to a kubeconfig. Only required if out-of-cluster.")
	flag.StringVar(&masterURL, "master", "", "The address of the Kubernetes API server. Overrides any value in kubeconfig. Only required if out-of-cluster.")
	flag.StringVar(&namespace, "namespace", "", "Default namespace of the releases.")
	flag.StringVar(&logLevel, "log-level", "debug", "Log level can be: debug, info, warning, error.")
	flag.StringVar(&zapEncoding, "zap-encoding", "json", "Zap logger encoding.")
	flag.BoolVar(&zapReplaceGlobals, "zap-replace-globals", false, "Whether to change the logging level of the global zap logger.")
	flag.StringVar(&port, "port", "8080", "Port to listen on.")
	flag.BoolVar(&allowClusterOverride, "allow-cluster-override", false, "Accept infra.kubeconfig and infra.masterURL in HTTP requests.")
	flag.StringVar(&requestFile, "request", "", "Path to a YAML or JSON traffic routing request. Runs the request once instead of starting the HTTP server.")
	flag.BoolVar(&swap, "swap", false, "Treat the -request file as a swap request.")
	flag.StringVar(&slackURL, "slack-url", "", "Slack hook URL.")
	flag.StringVar(&slackUser, "slack-user", "trafficrouter", "Slack user name.")
	flag.StringVar(&slackChannel, "slack-channel", "", "Slack channel.")
	flag.StringVar(&msteamsURL, "msteams-url", "", "MS Teams incoming webhook URL.")
	flag.StringVar(&discordURL, "discord-url", "", "Discord webhook URL.")
	flag.IntVar(&historyLimit, "history-limit", 10, "Number of releases kept in the release history, 0 keeps all of them.")
	flag.BoolVar(&ver, "version", false, "Print version")
}

func main() {
	flag.Parse()

	if ver {
		fmt.Println("trafficrouter version", version.VERSION, "revision ", version.REVISION)
		os.Exit(0)
	}

	zapLogger, err := logger.NewLoggerWithEncoding(logLevel, zapEncoding)
	if err != nil {
		log.Fatalf("Error creating logger: %v", err)
	}
	if zapReplaceGlobals {
		zap.ReplaceGlobals(zapLogger.Desugar())
	}
	defer zapLogger.Sync()

	logger.RedirectKlog(zapLogger)

	zapLogger.Infof("Starting trafficrouter version %s revision %s", version.VERSION, version.REVISION)

	resolver := &kube.ClientConfigResolver{
		Kubeconfig: kubeconfig,
		MasterURL:  masterURL,
		Namespace:  namespace,
	}

	recorder := metrics.NewRecorder("trafficrouter", requestFile == "")
	recorder.SetInfo(version.VERSION)

	trafficRouter := controller.NewTrafficRouter(resolver, &recorder, initNotifier(zapLogger), historyLimit, zapLogger)

	if requestFile != "" {
		if err := runOnce(trafficRouter, zapLogger); err != nil {
			os.Exit(1)
		}
		return
	}

	checkKubernetesVersion(resolver, zapLogger)

	stopCh := signals.SetupSignalHandler()
	server.ListenAndServe(port, 3*time.Second, trafficRouter, allowClusterOverride, zapLogger, stopCh)
}

// runOnce executes the request file and prints the result
func runOnce(trafficRouter *controller.TrafficRouter, logger *zap.SugaredLogger) error {
	data, err := os.ReadFile(requestFile)
	if err != nil {
		logger.Errorf("Error reading request %s: %v", requestFile, err)
		return err
	}

	ctx := context.Background()
	var resp *controller.Response
	if swap {
		var req controller.SwapRequest
		if err := yaml.Unmarshal(data, &req); err != nil {
			logger.Errorf("Error decoding swap request %s: %v", requestFile, err)
			return err
		}
		resp, err = trafficRouter.Swap(ctx, req, logger, controller.NewProgress())
	} else {
		var req controller.Request
		if err := yaml.Unmarshal(data, &req); err != nil {
			logger.Errorf("Error decoding request %s: %v", requestFile, err)
			return err
		}
		resp, err = trafficRouter.Execute(ctx, req, logger, controller.NewProgress())
	}

	fmt.Print(server.Describe(resp, err))
	return err
}

func checkKubernetesVersion(resolver kube.ClusterResolver, logger *zap.SugaredLogger) {
	cluster, err := resolver.Resolve(context.Background(), kube.InfraConfig{})
	if err != nil {
		logger.Fatalf("Error building kubeconfig: %v", err)
	}

	ver, err := cluster.KubeClient.Discovery().ServerVersion()
	if err != nil {
		logger.Fatalf("Error calling Kubernetes API: %v", err)
	}

	k8sVersionConstraint := "^1.19.0"

	// We append -alpha.1 to the end of our version constraint so that prebuilds of later versions
	// are considered valid for our purposes, as well as some managed solutions like EKS where they provide
	// a version like `v1.19.6-eks-d69f1b`.
	semverConstraint, err := semver.NewConstraint(k8sVersionConstraint + "-alpha.1")
	if err != nil {
		logger.Fatalf("Error parsing kubernetes version constraint: %v", err)
	}

	k8sSemver, err := semver.NewVersion(ver.GitVersion)
	if err != nil {
		logger.Fatalf("Error parsing kubernetes version as a semantic version: %v", err)
	}

	if !semverConstraint.Check(k8sSemver) {
		logger.Fatalf("Unsupported version of kubernetes detected.  Expected %s, got %v", k8sVersionConstraint, ver)
	}

	logger.Infof("Connected to Kubernetes API %s", ver)
}

func initNotifier(logger *zap.SugaredLogger) notifier.Interface {
	hooks := []struct {
		provider string
		url      string
	}{
		{provider: "slack", url: slackURL},
		{provider: "msteams", url: msteamsURL},
		{provider: "discord", url: discordURL},
	}

	var notifiers []notifier.Interface
	for _, hook := range hooks {
		if hook.url == "" {
			continue
		}
		n, err := notifier.NewFactory(hook.url, "", slackUser, slackChannel).Notifier(hook.provider)
		if err != nil {
			logger.Errorf("Notifier %v", err)
			continue
		}
		logger.Infof("Notifications enabled for %s", hook.provider)
		notifiers = append(notifiers, n)
	}

	switch len(notifiers) {
	case 0:
		return &notifier.NopNotifier{}
	case 1:
		return notifiers[0]
	default:
		return &notifier.Multi{Notifiers: notifiers}
	}
}
