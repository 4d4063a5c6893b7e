package msgpipe

import (
	pipelinepkg "github.com/drblury/msgpipe/internal/pipeline"
	configpkg "github.com/drblury/msgpipe/internal/pipeline/config"
	"github.com/drblury/msgpipe/internal/pipeline/envelope"
	errspkg "github.com/drblury/msgpipe/internal/pipeline/errors"
	idspkg "github.com/drblury/msgpipe/internal/pipeline/ids"
	"github.com/drblury/msgpipe/internal/pipeline/jsoncodec"
	loggingpkg "github.com/drblury/msgpipe/internal/pipeline/logging"
	transportpkg "github.com/drblury/msgpipe/transport"
)

type (
	Config = configpkg.Config

	// Registry and handler wiring
	Registry       = pipelinepkg.Registry
	Descriptor     = pipelinepkg.Descriptor
	HandlerFactory = pipelinepkg.HandlerFactory
	SaveHandler    = pipelinepkg.SaveHandler
	DeleteHandler  = pipelinepkg.DeleteHandler
	ClassHandler   = pipelinepkg.ClassHandler

	// Optional factory capabilities
	Lookuper      = pipelinepkg.Lookuper
	Keyed         = pipelinepkg.Keyed
	Transactional = pipelinepkg.Transactional
	Serializer    = pipelinepkg.Serializer

	// Pipelines
	Consumer             = pipelinepkg.Consumer
	ConsumerDependencies = pipelinepkg.ConsumerDependencies
	Producer             = pipelinepkg.Producer
	ProducerDependencies = pipelinepkg.ProducerDependencies
	MultiConsumer        = pipelinepkg.MultiConsumer
	Outcome              = pipelinepkg.Outcome
	Metrics              = pipelinepkg.Metrics

	// Wire format
	Envelope = envelope.Envelope
	Payload  = envelope.Payload
	Version  = envelope.Version
	Action   = envelope.Action
	Format   = envelope.Format

	// Logging
	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Error taxonomy
	MalformedEnvelopeError = errspkg.MalformedEnvelopeError
	IgnoredTypeError       = errspkg.IgnoredTypeError
	UnknownTypeError       = errspkg.UnknownTypeError
	UnknownVersionError    = errspkg.UnknownVersionError
	InvalidPayloadError    = errspkg.InvalidPayloadError
	ApplicationError       = errspkg.ApplicationError
	ConfigurationError     = errspkg.ConfigurationError

	// Modular transport types
	Transport             = transportpkg.Transport
	TransportConsumer     = transportpkg.Consumer
	TransportProducer     = transportpkg.Producer
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
	Record                = transportpkg.Record
	Receipt               = transportpkg.Receipt
)

const (
	ActionSave   = envelope.ActionSave
	ActionDelete = envelope.ActionDelete
	ActionClass  = envelope.ActionClass

	FormatJSON = envelope.FormatJSON
)

const (
	OutcomeApplied        = pipelinepkg.OutcomeApplied
	OutcomeIgnored        = pipelinepkg.OutcomeIgnored
	OutcomeMalformed      = pipelinepkg.OutcomeMalformed
	OutcomeUnknownType    = pipelinepkg.OutcomeUnknownType
	OutcomeUnknownVersion = pipelinepkg.OutcomeUnknownVersion
	OutcomeInvalidPayload = pipelinepkg.OutcomeInvalidPayload
	OutcomeFailed         = pipelinepkg.OutcomeFailed
	OutcomeFatal          = pipelinepkg.OutcomeFatal
)

var (
	NewRegistry      = pipelinepkg.NewRegistry
	NewConsumer      = pipelinepkg.NewConsumer
	NewProducer      = pipelinepkg.NewProducer
	NewMultiConsumer = pipelinepkg.NewMultiConsumer
	NewMetrics       = pipelinepkg.NewMetrics

	ValidateConfig = configpkg.ValidateConfig

	// Wire format helpers
	EncodeEnvelope = envelope.Encode
	DecodeEnvelope = envelope.Decode
	RegisterFormat = envelope.RegisterFormat

	// Modular transport registry.
	// Import individual transports via: _ "github.com/drblury/msgpipe/transport/kafka"
	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build
	GetCapabilities          = transportpkg.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal

	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrLoggerRequired     = errspkg.ErrLoggerRequired
	ErrRegistryRequired   = errspkg.ErrRegistryRequired
	ErrConsumerRequired   = errspkg.ErrConsumerRequired
	ErrProducerRequired   = errspkg.ErrProducerRequired
	ErrDescriptorRequired = errspkg.ErrDescriptorRequired
	ErrTopicRequired      = errspkg.ErrTopicRequired
	ErrFactoryRequired    = errspkg.ErrFactoryRequired

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NopLogger            = loggingpkg.NopLogger

	CreateULID = idspkg.CreateULID
)
