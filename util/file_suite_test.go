package util_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Samankhalid01/capacitor-updater/util"
)

var _ = Describe("Util", func() {

	var (
		tmpDir string
	)

	type TestState struct {
		Strings map[string]string
		Bools   map[string]bool
		Timeout util.Duration
	}

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "updater_util_test_tmp_*")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		err := os.RemoveAll(tmpDir)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("State file", func() {
		Context("in JSON format", func() {
			It("should be written and read successfully", func() {
				written := &TestState{
					Strings: map[string]string{"failingVersion": "v3"},
					Bools:   map[string]bool{"delayUpdate": true},
					Timeout: util.Duration{Duration: 10 * time.Second},
				}

				file := filepath.Join(tmpDir, "nested", "state.json")
				err := util.WriteJson(context.Background(), file, written)
				Expect(err).NotTo(HaveOccurred())

				read, err := util.ReadJson(file, &TestState{})
				Expect(err).NotTo(HaveOccurred())
				Expect(read).NotTo(BeNil())
				Expect(read.(*TestState).Strings["failingVersion"]).To(Equal("v3"))
				Expect(read.(*TestState).Bools["delayUpdate"]).To(BeTrue())
				Expect(read.(*TestState).Timeout.Duration).To(Equal(10 * time.Second))
			})

			It("should leave no temp files behind", func() {
				file := filepath.Join(tmpDir, "state.json")
				Expect(util.WriteJson(context.Background(), file, map[string]string{"a": "b"})).To(Succeed())
				Expect(util.WriteJson(context.Background(), file, map[string]string{"a": "c"})).To(Succeed())

				entries, err := os.ReadDir(tmpDir)
				Expect(err).NotTo(HaveOccurred())
				Expect(entries).To(HaveLen(1))
			})

			It("should refuse to write with a cancelled context", func() {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()

				file := filepath.Join(tmpDir, "state.json")
				Expect(util.WriteJson(ctx, file, map[string]string{})).NotTo(Succeed())
				Expect(util.FileExists(file)).To(BeFalse())
			})
		})
	})

	Describe("Log formatter", func() {
		It("should lift request and bundle ids into fields", func() {
			ctx := context.WithValue(context.Background(), util.RequestIDKey, "req-1")
			ctx = context.WithValue(ctx, util.BundleIDKey, "v3")

			logger := log.New()
			entry := log.NewEntry(logger).WithContext(ctx)
			entry.Message = "bundle not found"

			formatter := &util.CustomFormatter{TextFormatter: log.TextFormatter{DisableTimestamp: true}}
			out, err := formatter.Format(entry)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(out)).To(ContainSubstring("requestID=req-1"))
			Expect(string(out)).To(ContainSubstring("bundleID=v3"))
		})
	})

	Describe("Duration", func() {
		Context("decoding", func() {
			It("should accept milliseconds and duration strings", func() {
				var d util.Duration
				Expect(d.UnmarshalJSON([]byte(`10000`))).To(Succeed())
				Expect(d.Duration).To(Equal(10 * time.Second))

				Expect(d.UnmarshalJSON([]byte(`"1m"`))).To(Succeed())
				Expect(d.Duration).To(Equal(time.Minute))

				Expect(d.UnmarshalJSON([]byte(`true`))).NotTo(Succeed())
			})

			It("should decode from YAML", func() {
				var out struct {
					A util.Duration `yaml:"a"`
					B util.Duration `yaml:"b"`
				}
				Expect(yaml.Unmarshal([]byte("a: 1500\nb: 2s\n"), &out)).To(Succeed())
				Expect(out.A.Duration).To(Equal(1500 * time.Millisecond))
				Expect(out.B.Duration).To(Equal(2 * time.Second))
			})
		})
	})
})
