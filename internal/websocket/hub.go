package websocket

import (
	"bytes"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"

	"orderqueue/internal/bot"
	"orderqueue/internal/models"
	"orderqueue/internal/service"
	"orderqueue/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Проверяем, что Hub реализует интерфейсы издателей
var (
	_ service.OrderBroadcaster        = (*Hub)(nil)
	_ service.NotificationBroadcaster = (*Hub)(nil)
	_ bot.EventBroadcaster            = (*Hub)(nil)
)

// sync.Pool для JSON буферов: Broadcast вызывается на каждое изменение ордера
var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// envelope - сериализованное событие и владелец ордера;
// пустой userID означает системное событие для всех подписчиков.
type envelope struct {
	data   []byte
	userID string
}

// Hub управляет всеми активными WebSocket соединениями
//
// Клиент, подключённый с ?user_id=, получает только ордера и уведомления
// этого пользователя плюс системные события.
//
// Типы сообщений:
// - orderUpdate: изменение статуса ордера
// - notification: новая запись журнала
// - breakerState: смена состояния выключателя ключа
// - botRecovered: бот возвращён в active
// - tickSummary: итог тика исполнителя
//
// Использование:
// 1. Создать hub: hub := NewHub(origins, log)
// 2. Запустить в горутине: go hub.Run()
// 3. Остановить: hub.Stop()
type Hub struct {
	// Зарегистрированные клиенты
	clients map[*Client]bool

	// Очередь исходящих событий
	broadcast chan envelope

	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	stopOnce   sync.Once

	// Сообщения, не поставленные в очередь (hub перегружен)
	dropped atomic.Int64

	origins *OriginChecker
	log     *utils.Logger

	mu sync.RWMutex
}

// NewHub создает новый Hub; пустой список origins разрешает любые источники
func NewHub(allowedOrigins []string, log *utils.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		origins:    NewOriginChecker(allowedOrigins),
		log:        utils.OrGlobal(log).WithComponent("websocket"),
	}
}

// Run запускает главный цикл Hub до вызова Stop
//
// Список клиентов копируется под коротким RLock, отправка идёт без блокировки,
// медленные клиенты удаляются под Write Lock.
func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Info("client connected", utils.Int("clients", n))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Info("client disconnected", utils.Int("clients", n))

		case msg := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				if client.wants(msg.userID) {
					clients = append(clients, client)
				}
			}
			h.mu.RUnlock()

			var toRemove []*Client
			for _, client := range clients {
				select {
				case client.send <- msg.data:
				default:
					// клиент не успевает читать
					toRemove = append(toRemove, client)
				}
			}

			if len(toRemove) > 0 {
				h.mu.Lock()
				for _, client := range toRemove {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				n := len(h.clients)
				h.mu.Unlock()
				h.log.Warn("removed slow clients", utils.Int("removed", len(toRemove)), utils.Int("clients", n))
			}
		}
	}
}

// Stop останавливает Run и закрывает каналы клиентов; повторный вызов безопасен
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Broadcast сериализует системное сообщение и ставит его в очередь отправки.
// Не блокирует издателя: при переполненной очереди сообщение отбрасывается.
func (h *Hub) Broadcast(message interface{}) {
	h.publish("", message)
}

func (h *Hub) publish(userID string, message interface{}) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	if err := json.NewEncoder(buf).Encode(message); err != nil {
		h.log.Error("failed to marshal broadcast message", utils.Err(err))
		jsonBufferPool.Put(buf)
		return
	}

	data := buf.Bytes()
	if len(data) > 0 && data[len(data)-1] == '\n' {
		data = data[:len(data)-1]
	}
	msgCopy := make([]byte, len(data))
	copy(msgCopy, data)
	jsonBufferPool.Put(buf)

	h.enqueue(envelope{data: msgCopy, userID: userID})
}

// BroadcastRaw ставит в очередь уже сериализованное системное сообщение
func (h *Hub) BroadcastRaw(data []byte) {
	h.enqueue(envelope{data: data})
}

func (h *Hub) enqueue(msg envelope) {
	select {
	case h.broadcast <- msg:
	default:
		h.dropped.Add(1)
	}
}

// BroadcastOrderUpdate отправляет изменение ордера
func (h *Hub) BroadcastOrderUpdate(order *models.Order) {
	h.publish(order.UserID, NewOrderUpdateMessage(order))
}

// BroadcastNotification отправляет новое уведомление
func (h *Hub) BroadcastNotification(n *models.Notification) {
	h.publish(n.UserID, NewNotificationMessage(n))
}

// BroadcastBreakerState отправляет смену состояния выключателя
func (h *Hub) BroadcastBreakerState(snap bot.BreakerSnapshot) {
	h.Broadcast(NewBreakerStateMessage(snap))
}

// BroadcastBotRecovered отправляет событие восстановления бота
func (h *Hub) BroadcastBotRecovered(botID string, orderID int64, reason string) {
	h.Broadcast(NewBotRecoveredMessage(botID, orderID, reason))
}

// BroadcastTickSummary отправляет итог тика
func (h *Hub) BroadcastTickSummary(res bot.TickResult) {
	h.Broadcast(NewTickSummaryMessage(res))
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages возвращает число отброшенных сообщений
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}
