// Package k8s builds the kubernetes.Interface the operator's watchers run
// against, grounded on controller/k8s/clientset.go's rest.Config ->
// NewForConfig pattern (minus that file's CRD-client and telemetry-transport
// wrapping, neither of which this module's plain core-API client needs).
package k8s

import (
	"fmt"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	// Load all the auth plugins for the cloud providers.
	_ "k8s.io/client-go/plugin/pkg/client/auth"
)

// NewClient resolves a *rest.Config the same way kubectl does (an explicit
// kubeconfig path, falling back to in-cluster config when kubeconfigPath is
// empty) and returns a kubernetes.Interface built from it.
func NewClient(kubeconfigPath string) (kubernetes.Interface, error) {
	config, err := restConfig(kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("k8s: resolving cluster config: %w", err)
	}
	return kubernetes.NewForConfig(config)
}

func restConfig(kubeconfigPath string) (*rest.Config, error) {
	if kubeconfigPath != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	}
	if config, err := rest.InClusterConfig(); err == nil {
		return config, nil
	}
	return clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
}
