package watchdog

import (
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
)

var handle_count atomic.Int32
var handle_count_print_threshold atomic.Int32
var null_handle_closed_count atomic.Int32

func init() {
	handle_count_print_threshold.Store(4)
}

type Options struct {
	Level string // trace, debug, info, warn, error
	Dir   string // empty: stderr
	Name  string // log file suffix
}

// Init replaces log.DefaultLogger. With a Dir, output goes to a timestamped file inside it.
func Init(options Options) error {
	writer := &log.ConsoleWriter{Writer: os.Stderr}
	if options.Dir != "" {
		if err := os.MkdirAll(options.Dir, os.ModePerm); err != nil {
			return err
		}
		name := options.Name
		if name == "" {
			name = "hivecom"
		}
		logFile, err := os.OpenFile(
			filepath.Join(options.Dir, time.Now().Format("0102_150405")+"_"+name+".log"),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		writer = &log.ConsoleWriter{Writer: logFile}
	}

	log.DefaultLogger = log.Logger{
		Level:  log.ParseLevel(options.Level),
		Writer: writer,
	}

	handle_count_print_threshold.Store(4)
	Info("start")
	return nil
}

func Info(msg string) {
	log.Info().Msg(msg)
}

func Warn(msg string) {
	log.Warn().Msg(msg)
}

func Error(err error) {
	log.Error().Msg(err.Error())
}

func Fatal(msg string) {
	log.Fatal().Msg(msg)
}

// CountHandleExport records an opened peer session.
func CountHandleExport() {
	handle_count.Add(1)

	current_threshhold := handle_count_print_threshold.Load()
	handle_count := handle_count.Load()

	if handle_count > current_threshhold*2 {
		handle_count_print_threshold.Store(current_threshhold * 2)
		Info("open session count: " + strconv.Itoa(int(handle_count)))
	}
}

// CountHandleRelease records a closed peer session.
func CountHandleRelease() {
	handle_count.Add(-1)

	current_threshhold := handle_count_print_threshold.Load()
	handle_count := handle_count.Load()
	if handle_count < current_threshhold/2 && current_threshhold > 4 {
		handle_count_print_threshold.Store(current_threshhold / 2)
		Info("open session count: " + strconv.Itoa(int(handle_count)))
	}
}

// CountNullHandleRelease records a close of a session that was never opened.
func CountNullHandleRelease() {
	null_handle_closed_count.Add(1)
	Warn("null session close: " + strconv.Itoa(int(null_handle_closed_count.Load())))
}

func HandleCount() int {
	return int(handle_count.Load())
}
