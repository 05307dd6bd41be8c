package checks

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
	"k8s.io/client-go/kubernetes/scheme"
)

// KubernetesChecker enforces the manifest conventions: pinned images,
// resource requests and limits, liveness/readiness probes, non-root pods,
// replica counts that survive a node loss, TLS on ingresses, and sane
// autoscaler bounds.
//
// Manifests are decoded with the client-go scheme. Kinds the scheme does
// not know (CRDs and friends) are skipped with an info note.
type KubernetesChecker struct{}

func NewKubernetesChecker() *KubernetesChecker { return &KubernetesChecker{} }

func (c *KubernetesChecker) Name() string { return "kubernetes" }

func (c *KubernetesChecker) Describe() string {
	return "Kubernetes manifests request resources, probe health and avoid root"
}

func (c *KubernetesChecker) files(target Target) []string {
	dir := target.Paths().KubeDir
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yml" || ext == ".yaml" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths
}

// manifestSet holds the decoded objects across every manifest file, so
// cross-object rules (replicas vs HPA) see the whole picture.
type manifestSet struct {
	deployments []placedObject[*appsv1.Deployment]
	ingresses   []placedObject[*networkingv1.Ingress]
	hpas        []placedObject[*autoscalingv2.HorizontalPodAutoscaler]
}

type placedObject[T any] struct {
	file string
	obj  T
}

func (c *KubernetesChecker) Check(ctx context.Context, target Target) ([]Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		findings []Finding
		set      manifestSet
	)
	for _, path := range c.files(target) {
		fs, err := c.decodeFile(target, path, &set)
		if err != nil {
			return nil, err
		}
		findings = append(findings, fs...)
	}

	for _, d := range set.deployments {
		findings = append(findings, c.checkDeployment(d.file, d.obj, set.hpas)...)
	}
	for _, ing := range set.ingresses {
		if len(ing.obj.Spec.TLS) == 0 {
			findings = append(findings, Finding{
				Checker:  c.Name(),
				Rule:     "K8007",
				Severity: SeverityWarning,
				File:     ing.file,
				Message:  fmt.Sprintf("ingress %s has no TLS configuration", ing.obj.Name),
				Hint:     "terminate TLS at the ingress; plain HTTP belongs on loopback only",
			})
		}
	}
	for _, h := range set.hpas {
		findings = append(findings, c.checkHPA(h.file, h.obj)...)
	}
	return findings, nil
}

func (c *KubernetesChecker) decodeFile(target Target, path string, set *manifestSet) ([]Finding, error) {
	file := target.Rel(path)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var findings []Finding
	decoder := scheme.Codecs.UniversalDeserializer()
	reader := utilyaml.NewYAMLReader(bufio.NewReader(f))
	for {
		doc, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		if len(bytes.TrimSpace(doc)) == 0 {
			continue
		}

		obj, gvk, err := decoder.Decode(doc, nil, nil)
		if err != nil {
			if runtime.IsNotRegisteredError(err) {
				kind := ""
				if gvk != nil {
					kind = gvk.Kind
				}
				findings = append(findings, Finding{
					Checker:  c.Name(),
					Rule:     "K8001",
					Severity: SeverityInfo,
					File:     file,
					Message:  fmt.Sprintf("skipping unrecognized kind %q", kind),
				})
				continue
			}
			findings = append(findings, Finding{
				Checker:  c.Name(),
				Rule:     "K8001",
				Severity: SeverityError,
				File:     file,
				Message:  fmt.Sprintf("manifest does not decode: %v", err),
			})
			continue
		}

		switch o := obj.(type) {
		case *appsv1.Deployment:
			set.deployments = append(set.deployments, placedObject[*appsv1.Deployment]{file, o})
		case *networkingv1.Ingress:
			set.ingresses = append(set.ingresses, placedObject[*networkingv1.Ingress]{file, o})
		case *autoscalingv2.HorizontalPodAutoscaler:
			set.hpas = append(set.hpas, placedObject[*autoscalingv2.HorizontalPodAutoscaler]{file, o})
		default:
			// Services, ConfigMaps and other registered kinds carry no
			// rules of their own.
		}
	}
	return findings, nil
}

func (c *KubernetesChecker) checkDeployment(file string, d *appsv1.Deployment, hpas []placedObject[*autoscalingv2.HorizontalPodAutoscaler]) []Finding {
	var findings []Finding
	owner := "deployment " + d.Name
	finding := func(rule string, severity Severity, message, hint string) {
		findings = append(findings, Finding{
			Checker:  c.Name(),
			Rule:     rule,
			Severity: severity,
			File:     file,
			Message:  message,
			Hint:     hint,
		})
	}

	spec := d.Spec.Template.Spec
	podNonRoot := spec.SecurityContext != nil &&
		spec.SecurityContext.RunAsNonRoot != nil && *spec.SecurityContext.RunAsNonRoot

	all := make([]corev1.Container, 0, len(spec.InitContainers)+len(spec.Containers))
	all = append(all, spec.InitContainers...)
	all = append(all, spec.Containers...)
	for _, container := range all {
		if unpinnedImage(container.Image) {
			finding("K8002", SeverityError,
				fmt.Sprintf("%s container %s: image %q is not pinned", owner, container.Name, container.Image),
				"pin manifest images to a version tag or digest")
		}

		hasRequests := len(container.Resources.Requests) > 0
		hasLimits := len(container.Resources.Limits) > 0
		switch {
		case !hasRequests && !hasLimits:
			finding("K8003", SeverityError,
				fmt.Sprintf("%s container %s: no resource requests or limits", owner, container.Name),
				"set requests so the scheduler can place the pod, and limits to contain it")
		case !hasRequests || !hasLimits:
			finding("K8003", SeverityWarning,
				fmt.Sprintf("%s container %s: resource requests and limits are incomplete", owner, container.Name),
				"declare both requests and limits")
		}

		nonRoot := podNonRoot
		if container.SecurityContext != nil && container.SecurityContext.RunAsNonRoot != nil {
			nonRoot = *container.SecurityContext.RunAsNonRoot
		}
		if !nonRoot {
			finding("K8006", SeverityError,
				fmt.Sprintf("%s container %s: runAsNonRoot is not enforced", owner, container.Name),
				"set securityContext.runAsNonRoot: true at the pod or container level")
		}
	}

	// Probes apply to long-running containers only.
	for _, container := range spec.Containers {
		var missing []string
		if container.LivenessProbe == nil {
			missing = append(missing, "liveness")
		}
		if container.ReadinessProbe == nil {
			missing = append(missing, "readiness")
		}
		if len(missing) > 0 {
			finding("K8004", SeverityWarning,
				fmt.Sprintf("%s container %s: missing %v probe(s)", owner, container.Name, missing),
				"wire livenessProbe to /health and readinessProbe to /ready")
		}
	}

	replicas := int32(1)
	if d.Spec.Replicas != nil {
		replicas = *d.Spec.Replicas
	}
	if replicas < 2 && !scaledByHPA(d, hpas) {
		finding("K8005", SeverityWarning,
			fmt.Sprintf("%s runs %d replica without an autoscaler", owner, replicas),
			"run at least 2 replicas, or add an HPA targeting the deployment")
	}

	return findings
}

func scaledByHPA(d *appsv1.Deployment, hpas []placedObject[*autoscalingv2.HorizontalPodAutoscaler]) bool {
	for _, h := range hpas {
		ref := h.obj.Spec.ScaleTargetRef
		if ref.Kind == "Deployment" && ref.Name == d.Name {
			return true
		}
	}
	return false
}

func (c *KubernetesChecker) checkHPA(file string, h *autoscalingv2.HorizontalPodAutoscaler) []Finding {
	var findings []Finding

	min := int32(1)
	if h.Spec.MinReplicas != nil {
		min = *h.Spec.MinReplicas
	}
	if min >= h.Spec.MaxReplicas {
		findings = append(findings, Finding{
			Checker:  c.Name(),
			Rule:     "K8008",
			Severity: SeverityError,
			File:     file,
			Message:  fmt.Sprintf("hpa %s: minReplicas %d is not below maxReplicas %d", h.Name, min, h.Spec.MaxReplicas),
			Hint:     "leave the autoscaler room to scale",
		})
	}
	if len(h.Spec.Metrics) == 0 {
		findings = append(findings, Finding{
			Checker:  c.Name(),
			Rule:     "K8008",
			Severity: SeverityError,
			File:     file,
			Message:  fmt.Sprintf("hpa %s declares no metrics", h.Name),
			Hint:     "declare the resource metric the autoscaler should track, e.g. cpu utilization",
		})
	}
	return findings
}
