package task

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type task struct {
	function     func()
	interval     time.Duration
	initialDelay time.Duration
	metricName   string
	stopChannel  chan bool
}

// BackgroundTaskManager runs registered functions on fixed intervals and
// records a latency histogram per task. Registration is not threadsafe and
// should happen from a single goroutine during startup.
type BackgroundTaskManager struct {
	tasks         []*task
	metricsPrefix string
	wg            *sync.WaitGroup
}

func NewBackgroundTaskManager(metricsPrefix string) *BackgroundTaskManager {
	return &BackgroundTaskManager{
		tasks:         []*task{},
		metricsPrefix: metricsPrefix,
		wg:            &sync.WaitGroup{},
	}
}

func (m *BackgroundTaskManager) Register(backgroundTask func(), interval time.Duration, metricName string) {
	m.RegisterWithDelay(backgroundTask, interval, 0, metricName)
}

// RegisterWithDelay registers a task whose first run happens after
// initialDelay rather than immediately. Long-cycle scheduler sweeps use this
// so that a restarting process does not fire every phase at once.
func (m *BackgroundTaskManager) RegisterWithDelay(backgroundTask func(), interval time.Duration, initialDelay time.Duration, metricName string) {
	task := &task{
		function:     backgroundTask,
		interval:     interval,
		initialDelay: initialDelay,
		metricName:   metricName,
		stopChannel:  make(chan bool),
	}
	m.startBackgroundTask(task)
	m.tasks = append(m.tasks, task)
}

func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.stopTasks()
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) startBackgroundTask(task *task) {
	taskDurationHistogram := promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    m.metricsPrefix + task.metricName + "_latency_seconds",
			Help:    "Background loop " + task.metricName + " latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		})

	runOnce := func() {
		start := time.Now()
		task.function()
		taskDurationHistogram.Observe(time.Since(start).Seconds())
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if task.initialDelay > 0 {
			select {
			case <-time.After(task.initialDelay):
			case <-task.stopChannel:
				return
			}
		}
		runOnce()
		for {
			select {
			case <-time.After(task.interval):
			case <-task.stopChannel:
				return
			}
			runOnce()
		}
	}()
}

func (m *BackgroundTaskManager) stopTasks() {
	for _, t := range m.tasks {
		close(t.stopChannel)
	}
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return true
	case <-time.After(timeout):
		return false
	}
}
