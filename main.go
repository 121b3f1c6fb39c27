package vring

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/config"
	"github.com/slackhq/vring/util"
	"github.com/slackhq/vring/util/virtio"
	"github.com/slackhq/vring/virtqueue"
	"go.yaml.in/yaml/v3"
)

type m = map[string]any

// Main validates the config and builds the queues, doorbells and loopback
// devices of a self-test run. It returns nil when configTest is set.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (*Control, error) {
	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.NewContextualError("Failed to configure the logger", nil, err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	qc, err := newQueueConfig(c)
	if err != nil {
		return nil, err
	}

	w, err := newWorkloadFromConfig(c, qc.size)
	if err != nil {
		return nil, util.NewContextualError("Invalid workload config", nil, err)
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.NewContextualError("Failed to start stats emitter", nil, err)
	}

	if configTest {
		return nil, nil
	}

	ctrl, err := newControl(l, qc, w)
	if err != nil {
		return nil, err
	}
	ctrl.statsStart = statsStart

	l.WithField("queues", qc.count).
		WithField("size", qc.size).
		WithField("features", qc.features).
		WithField("doorbell", qc.doorbell).
		WithField("build", buildVersion).
		Info("Virtqueues created")

	return ctrl, nil
}

type queueConfig struct {
	count    int
	size     int
	align    int
	features virtio.Feature
	doorbell string
}

func newQueueConfig(c *config.C) (queueConfig, error) {
	qc := queueConfig{
		count:    c.GetInt("queues.count", 1),
		size:     c.GetInt("queues.size", 256),
		align:    c.GetInt("queues.align", 4096),
		doorbell: c.GetString("doorbell.type", "eventfd"),
	}

	if qc.count <= 0 || qc.count > 0xffff {
		return qc, util.NewContextualError("Invalid queues.count", m{"count": qc.count}, nil)
	}
	if err := virtqueue.CheckQueueSize(qc.size); err != nil {
		return qc, util.NewContextualError("Invalid queues.size", m{"size": qc.size}, err)
	}
	if err := virtqueue.CheckAlignment(qc.align); err != nil {
		return qc, util.NewContextualError("Invalid queues.align", m{"align": qc.align}, err)
	}

	features, err := virtio.ParseFeatures(c.GetStringSlice("device.features", nil))
	if err != nil {
		return qc, util.NewContextualError("Invalid device.features", nil, err)
	}
	qc.features = features | virtio.FeatureVersion1
	if c.GetBool("queues.event_idx", true) {
		qc.features |= virtio.FeatureEventIndex
	}
	if c.GetBool("device.iommu", false) {
		qc.features |= virtio.FeatureAccessPlatform
	}
	if qc.features.Has(virtio.FeatureRingPacked) {
		return qc, util.NewContextualError("Invalid device.features", m{"features": qc.features},
			fmt.Errorf("%s is not supported", virtio.FeatureRingPacked))
	}

	switch qc.doorbell {
	case doorbellEventFD, doorbellPoll, doorbellMMIO:
	default:
		return qc, util.NewContextualError("Invalid doorbell.type", m{"type": qc.doorbell},
			fmt.Errorf("possible types: %s", []string{doorbellEventFD, doorbellPoll, doorbellMMIO}))
	}

	return qc, nil
}
