package nnet

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Number of stages in the network
const NumStages = 4

// Training configuration settings
type Config struct {
	DataSet       string
	DataDir       string
	Checkpoint    string
	Classes       int
	Width         int
	BlockCounts   [NumStages]int
	Optimizer     string
	Eta           float64
	Momentum      float64
	Lambda        float64
	NormalWeights bool
	Shuffle       bool
	Distort       bool
	Normalise     bool
	TrainBatch    int
	TestBatch     int
	MaxEpoch      int
	MaxSamples    int
	Patience      int
	Threshold     float64
	LogEvery      int
	RandSeed      int64
	Threads       int
	DebugLevel    int
	Profile       bool
}

// Default settings for the 18 layer network on CIFAR-10
func DefaultConfig() Config {
	return Config{
		DataSet:     "cifar10",
		DataDir:     "data",
		Checkpoint:  "best_model.ckpt",
		Classes:     10,
		Width:       64,
		BlockCounts: [NumStages]int{2, 2, 2, 2},
		Optimizer:   "adam",
		Eta:         0.001,
		Momentum:    0.9,
		Shuffle:     true,
		Distort:     true,
		Normalise:   true,
		TrainBatch:  128,
		TestBatch:   100,
		MaxEpoch:    35,
		Patience:    5,
		Threshold:   0.98,
		LogEvery:    100,
	}
}

// Check settings are in range
func (c Config) Validate() error {
	switch {
	case c.MaxEpoch <= 0:
		return errors.Errorf("MaxEpoch must be positive: %d", c.MaxEpoch)
	case c.Eta <= 0:
		return errors.Errorf("Eta must be positive: %g", c.Eta)
	case c.Patience <= 0:
		return errors.Errorf("Patience must be positive: %d", c.Patience)
	case c.Threshold <= 0 || c.Threshold > 1:
		return errors.Errorf("Threshold must be in range (0,1]: %g", c.Threshold)
	case c.Classes <= 0:
		return errors.Errorf("Classes must be positive: %d", c.Classes)
	case c.Width <= 0:
		return errors.Errorf("Width must be positive: %d", c.Width)
	case c.TrainBatch < 0 || c.TestBatch < 0:
		return errors.Errorf("invalid batch size: %d %d", c.TrainBatch, c.TestBatch)
	case c.Optimizer != "adam" && c.Optimizer != "sgd":
		return errors.Errorf("unknown optimizer %q", c.Optimizer)
	}
	for i, n := range c.BlockCounts {
		if n <= 0 {
			return errors.Errorf("BlockCounts[%d] must be positive: %d", i, n)
		}
	}
	return nil
}

// Path to the given file under DataDir, absolute paths are returned unchanged.
func (c Config) Path(name string) string {
	if filepath.IsAbs(name) || c.DataDir == "" {
		return name
	}
	return filepath.Join(c.DataDir, name)
}

// Load config from json file, any fields which are not set take the default values.
func LoadConfig(file string) (Config, error) {
	c := DefaultConfig()
	f, err := os.Open(file)
	if err != nil {
		return c, errors.Wrap(err, "load config")
	}
	defer f.Close()
	fmt.Println("loading config from", file)
	if err = json.NewDecoder(f).Decode(&c); err != nil {
		return c, errors.Wrapf(err, "decode %s", file)
	}
	return c, c.Validate()
}

// Save config to JSON file, writes to a temp file and renames it so the update is atomic.
func (c Config) Save(file string) error {
	tmp := filepath.Join(filepath.Dir(file), "."+filepath.Base(file))
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "save config")
	}
	fmt.Println("saving config to", file)
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err = enc.Encode(c); err != nil {
		f.Close()
		return errors.Wrap(err, "save config")
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, file)
}

func (c Config) Fields() []string {
	st := reflect.TypeOf(c)
	fld := make([]string, st.NumField())
	for i := range fld {
		fld[i] = st.Field(i).Name
	}
	return fld
}

func (c Config) Get(key string) interface{} {
	s := reflect.ValueOf(c)
	return s.FieldByName(key).Interface()
}

func (c Config) String() string {
	str := []string{"== Config =="}
	for _, key := range c.Fields() {
		str = append(str, fmt.Sprintf("%-14s: %v", key, c.Get(key)))
	}
	return strings.Join(str, "\n")
}

// Set field from string value, block counts are given as a comma separated list.
func (c Config) SetString(key, val string) (Config, error) {
	s := reflect.ValueOf(&c).Elem()
	f := s.FieldByName(key)
	if !f.IsValid() {
		return c, errors.Errorf("unknown config field %q", key)
	}
	var err error
	switch f.Type().Kind() {
	case reflect.Int, reflect.Int64:
		var x int64
		if x, err = strconv.ParseInt(val, 10, 64); err == nil {
			f.SetInt(x)
		}
	case reflect.Float64:
		var x float64
		if x, err = strconv.ParseFloat(val, 64); err == nil {
			f.SetFloat(x)
		}
	case reflect.String:
		f.SetString(val)
	case reflect.Bool:
		var x bool
		if x, err = strconv.ParseBool(val); err == nil {
			f.SetBool(x)
		}
	case reflect.Array:
		list := strings.Split(val, ",")
		if len(list) != f.Len() {
			return c, errors.Errorf("%s: expecting %d values", key, f.Len())
		}
		for i, v := range list {
			var x int64
			if x, err = strconv.ParseInt(strings.TrimSpace(v), 10, 64); err != nil {
				break
			}
			f.Index(i).SetInt(x)
		}
	default:
		return c, errors.Errorf("invalid type for SetString: %v", f.Type().Kind())
	}
	return c, errors.Wrap(err, key)
}

func (c Config) SetBool(key string, val bool) (Config, error) {
	s := reflect.ValueOf(&c).Elem()
	f := s.FieldByName(key)
	if f.IsValid() && f.Type().Kind() == reflect.Bool {
		f.SetBool(val)
		return c, nil
	}
	return c, errors.Errorf("invalid type for SetBool: %s", key)
}

// AddFlags registers a command line flag for each config field. The flag name is the field name in lower case.
func AddFlags(fs *flag.FlagSet, defaults Config) {
	for _, key := range defaults.Fields() {
		val := defaults.Get(key)
		if arr, ok := val.([NumStages]int); ok {
			val = strings.Trim(strings.Join(strings.Fields(fmt.Sprint(arr)), ","), "[]")
		}
		fs.String(strings.ToLower(key), "", fmt.Sprintf("%s setting (default %v)", key, val))
	}
}

// Override updates the config with the flags from AddFlags which were set on the command line.
func (c Config) Override(fs *flag.FlagSet) (Config, error) {
	fields := map[string]string{}
	for _, key := range c.Fields() {
		fields[strings.ToLower(key)] = key
	}
	var err error
	fs.Visit(func(f *flag.Flag) {
		if key, ok := fields[f.Name]; ok && err == nil {
			c, err = c.SetString(key, f.Value.String())
		}
	})
	if err != nil {
		return c, err
	}
	return c, c.Validate()
}
