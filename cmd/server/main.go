package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"order-fulfillment/config"
	"order-fulfillment/internal/api"
	"order-fulfillment/internal/broker"
	"order-fulfillment/internal/redisclient"
	"order-fulfillment/internal/service"
	"order-fulfillment/internal/store"
	"order-fulfillment/internal/util"
	"order-fulfillment/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting order fulfillment service")

	tp, err := util.InitTracer("order-fulfillment", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	ordersDB, err := store.Connect(cfg.Database.OrdersURL)
	if err != nil {
		log.Fatalf("Failed to connect to orders database: %v", err)
	}
	defer ordersDB.Close()

	paymentsDB, err := store.Connect(cfg.Database.PaymentsURL)
	if err != nil {
		log.Fatalf("Failed to connect to payments database: %v", err)
	}
	defer paymentsDB.Close()

	reserveDB, err := store.Connect(cfg.Database.ReserveURL)
	if err != nil {
		log.Fatalf("Failed to connect to reserve database: %v", err)
	}
	defer reserveDB.Close()
	log.Println("Databases connected")

	costTTL := time.Duration(cfg.Redis.CostTTLSeconds) * time.Second
	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, costTTL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicBalance)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	paymentService := service.NewPaymentService(paymentsDB, eventPublisher)
	reserveService := service.NewReserveService(reserveDB)
	pricing := service.NewItemPricing(redisClient, reserveService)

	orderStore := store.NewOrderStore(ordersDB)
	branchTimeout := time.Duration(cfg.Business.BranchTimeoutSeconds) * time.Second
	orderService := service.NewOrderService(orderStore, paymentService, reserveService, pricing, branchTimeout)

	messageStore := store.NewMessageStore(ordersDB)
	balanceListener := service.NewBalanceListener(messageStore, orderStore,
		paymentService, orderService, cfg.Business.TwoPhaseCommit)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	partitionInterval := time.Duration(cfg.Business.PartitionIntervalSeconds) * time.Second
	partitionWorker := worker.NewPartitionWorker(messageStore, partitionInterval)
	if err := partitionWorker.Start(workerCtx); err != nil {
		log.Fatalf("Failed to start partition worker: %v", err)
	}

	balanceConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicBalance, cfg.Kafka.ConsumerGroup)
	balanceWorker := worker.NewBalanceWorker(balanceConsumer, balanceListener)
	balanceWorker.Start(workerCtx)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(orderService, paymentService, reserveService, cfg.Business.TwoPhaseCommit)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	balanceWorker.Stop()
	partitionWorker.Stop()

	log.Println("Server exited")
}
